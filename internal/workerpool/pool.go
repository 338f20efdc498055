// Package workerpool keeps a pre-warmed fast-model subprocess for short,
// latency-critical calls: routing decisions, title suggestions, and snappy
// task streams that bypass the full session protocol.
package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/agent/acp"
	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

// Chunk is one streamed piece of a pool response.
type Chunk struct {
	Type string `json:"type"` // text or thinking
	Text string `json:"text"`
}

// poolRequest is one line written to the hot subprocess.
type poolRequest struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// poolLine is one line read back. Type done terminates a response; type
// error aborts it.
type poolLine struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Pool is the pre-warmed worker pool. One subprocess, calls serialized; the
// pool is a latency optimization, not a throughput one.
type Pool struct {
	cfg    config.WorkerPoolConfig
	claude config.ExecutorConfig
	logger *logger.Logger

	mu     sync.Mutex // serializes calls and guards process state
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	warm   bool

	metrics Metrics
}

// New creates a cold pool; Warmup spawns the subprocess.
func New(cfg config.WorkerPoolConfig, claude config.ExecutorConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		claude: claude,
		logger: log.WithFields(zap.String("component", "worker-pool")),
	}
}

// Warmup spawns the hot subprocess holding a single live conversation with
// the pool model. Idempotent.
func (p *Pool) Warmup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.warm {
		return nil
	}

	spec := acp.BinarySpec{Bin: p.claude.Bin, DefaultName: "claude-code-acp"}
	bin, err := spec.Resolve()
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	cmd := exec.Command(bin, "--pool")
	cmd.Env = append(os.Environ(), "ANTHROPIC_MODEL="+p.cfg.Model)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker pool: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker pool: failed to start %s: %w", bin, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReaderSize(stdout, 256*1024)
	p.warm = true

	p.logger.Info("worker pool warmed",
		zap.String("model", p.cfg.Model), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// call runs one pool prompt to completion, invoking emit for each chunk.
// Exceeding the per-call budget is a pool metric, never a caller failure.
func (p *Pool) call(ctx context.Context, op, prompt string, emit func(Chunk)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.warm {
		return fmt.Errorf("worker pool not warmed")
	}

	start := time.Now()
	err := p.roundTrip(ctx, prompt, emit)
	elapsed := time.Since(start)

	budget := time.Duration(p.cfg.CallBudget) * time.Second
	entry := MetricEntry{
		Op:         op,
		Duration:   elapsed,
		OverBudget: budget > 0 && elapsed > budget,
		Failed:     err != nil,
	}
	p.metrics.record(entry)
	if entry.OverBudget {
		p.logger.Warn("pool call exceeded budget",
			zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Duration("budget", budget))
	}
	return err
}

func (p *Pool) roundTrip(ctx context.Context, prompt string, emit func(Chunk)) error {
	req := poolRequest{ID: uuid.New().String(), Prompt: prompt}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("pool write: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := p.stdout.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("pool read: %w", err)
		}

		var line poolLine
		if err := json.Unmarshal(raw, &line); err != nil {
			p.logger.Warn("dropping malformed pool line", zap.ByteString("line", raw))
			continue
		}
		if line.ID != "" && line.ID != req.ID {
			// Stray line from an aborted earlier call.
			continue
		}

		switch line.Type {
		case "done":
			return nil
		case "error":
			return fmt.Errorf("pool call failed: %s", line.Text)
		case "text", "thinking":
			if emit != nil {
				emit(Chunk{Type: line.Type, Text: line.Text})
			}
		}
	}
}

// collect runs a call and concatenates the text chunks.
func (p *Pool) collect(ctx context.Context, op, prompt string) (string, error) {
	var b strings.Builder
	err := p.call(ctx, op, prompt, func(c Chunk) {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	})
	return b.String(), err
}

const routePrompt = `You are a router for a coding task board. Decide whether the user's new message continues the current task or starts a new one.

Current task title: %s
Last summary: %s

New message:
%s

Answer with exactly one word: CONTINUE or NEW.`

// Route classifies whether text continues the session. Defaults to continue
// when the answer is unparseable.
func (p *Pool) Route(ctx context.Context, text, title, summary string) (bool, error) {
	if title == "" {
		title = "(untitled)"
	}
	if summary == "" {
		summary = "(none)"
	}
	answer, err := p.collect(ctx, "route", fmt.Sprintf(routePrompt, title, summary, text))
	if err != nil {
		return true, err
	}
	return !strings.Contains(strings.ToUpper(answer), "NEW"), nil
}

const titlePrompt = `Suggest a short kanban card title (at most six words, no quotes, no trailing punctuation) for a coding task in %s that starts with this message:

%s`

// GenerateTitle suggests a card title for a fresh session. Returns "" when
// the model output is unusable.
func (p *Pool) GenerateTitle(ctx context.Context, cwd, userMessage string) (string, error) {
	raw, err := p.collect(ctx, "title", fmt.Sprintf(titlePrompt, cwd, userMessage))
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title, nil
}

// Stream runs a task prompt through the pool, delivering chunks on the
// returned channel. The channel closes when the response ends; the error
// channel reports at most one error.
func (p *Pool) Stream(ctx context.Context, prompt string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)
		err := p.call(ctx, "stream", prompt, func(c Chunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errc <- err
		}
	}()
	return chunks, errc
}

// RecordMetric adds an externally produced entry to the pool telemetry.
func (p *Pool) RecordMetric(entry MetricEntry) {
	p.metrics.record(entry)
}

// GetMetrics returns a snapshot of pool telemetry.
func (p *Pool) GetMetrics() MetricsSnapshot {
	return p.metrics.snapshot()
}

// shutdownGrace is how long the subprocess gets between SIGTERM and SIGKILL.
const shutdownGrace = 5 * time.Second

// Close tears the subprocess down: SIGTERM, then SIGKILL after the grace
// period.
func (p *Pool) Close() {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	p.cmd = nil
	p.warm = false
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	terminate(cmd)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		p.logger.Warn("pool subprocess ignored SIGTERM, killing")
		kill(cmd)
		<-done
	}
}
