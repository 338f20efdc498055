package acp

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/agentboard/agentboard/internal/common/config"
)

// Executor kinds.
const (
	KindClaude = "claude"
	KindCodex  = "codex"
)

// Default agent binary names looked up on PATH when no explicit path is
// configured.
const (
	defaultClaudeBin = "claude-code-acp"
	defaultCodexBin  = "codex-acp"
)

// BinarySpec describes how to launch one agent binary.
type BinarySpec struct {
	Bin         string
	DefaultName string
	Args        []string
	Env         []string
}

// Resolve returns the absolute binary path, preferring the configured path
// over a PATH lookup of the default name.
func (s BinarySpec) Resolve() (string, error) {
	name := s.Bin
	if name == "" {
		name = s.DefaultName
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("agent binary %q not found: %w", name, err)
	}
	return path, nil
}

// SpecFor builds the launch spec for an executor kind from config.
func SpecFor(kind string, cfg config.ExecutorConfig) (BinarySpec, error) {
	spec := BinarySpec{Bin: cfg.Bin, Args: append([]string(nil), cfg.Args...)}

	switch kind {
	case KindClaude:
		spec.DefaultName = defaultClaudeBin
		if cfg.Model != "" {
			spec.Env = append(spec.Env, "ANTHROPIC_MODEL="+cfg.Model)
		}
		if cfg.ThinkingBudget > 0 {
			spec.Env = append(spec.Env, "MAX_THINKING_TOKENS="+strconv.Itoa(cfg.ThinkingBudget))
		}
	case KindCodex:
		spec.DefaultName = defaultCodexBin
		if cfg.Model != "" {
			spec.Args = append(spec.Args, "--model", cfg.Model)
		}
	default:
		return BinarySpec{}, fmt.Errorf("unknown executor kind %q", kind)
	}
	return spec, nil
}

// Detected reports whether the kind's binary is resolvable at all. Used to
// decide whether to attempt a secondary executor.
func (s BinarySpec) Detected() bool {
	_, err := s.Resolve()
	return err == nil
}
