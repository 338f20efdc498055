package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// executorsFile is the optional per-user executor defaults overlay. Unlike
// config.yaml it is written by agent installers, so it is parsed standalone
// and only fills fields the main configuration left empty.
type executorsFile struct {
	WorkDir string             `yaml:"workDir"`
	Claude  executorsFileEntry `yaml:"claude"`
	Codex   executorsFileEntry `yaml:"codex"`
}

type executorsFileEntry struct {
	Bin            string   `yaml:"bin"`
	Args           []string `yaml:"args"`
	Model          string   `yaml:"model"`
	ThinkingBudget int      `yaml:"thinkingBudget"`
}

// DefaultExecutorsPath returns the well-known executor overlay location.
func DefaultExecutorsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentboard", "executors.yaml")
}

// ApplyExecutorDefaults merges the executors.yaml overlay at path into cfg.
// A missing file is not an error. Explicit configuration always wins over
// the overlay.
func ApplyExecutorDefaults(cfg *ExecutorsConfig, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read executor defaults: %w", err)
	}

	var file executorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse executor defaults: %w", err)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = file.WorkDir
	}
	mergeExecutor(&cfg.Claude, file.Claude)
	mergeExecutor(&cfg.Codex, file.Codex)
	return nil
}

func mergeExecutor(dst *ExecutorConfig, src executorsFileEntry) {
	if dst.Bin == "" {
		dst.Bin = src.Bin
	}
	if len(dst.Args) == 0 {
		dst.Args = src.Args
	}
	if dst.Model == "" {
		dst.Model = src.Model
	}
	if dst.ThinkingBudget == 0 {
		dst.ThinkingBudget = src.ThinkingBudget
	}
}
