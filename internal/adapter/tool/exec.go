package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

const (
	defaultExecTimeout = 30 * time.Second

	// maxToolOutput caps what one command can feed back into the model.
	maxToolOutput = 16 * 1024
)

// ExecTool runs a command declared in configuration. The model's tool input
// is written to the command's stdin as JSON; stdout becomes the result.
type ExecTool struct {
	cfg    config.ToolConfig
	logger *slog.Logger
}

// NewExecTool creates a tool from its configuration entry.
func NewExecTool(cfg config.ToolConfig, logger *slog.Logger) *ExecTool {
	return &ExecTool{cfg: cfg, logger: logger}
}

func (t *ExecTool) Name() string        { return t.cfg.Name }
func (t *ExecTool) Description() string { return t.cfg.Description }

func (t *ExecTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type":"object"}`)
	if len(t.cfg.Parameters) > 0 {
		if raw, err := json.Marshal(t.cfg.Parameters); err == nil {
			params = raw
		}
	}
	return domain.ToolSchema{
		Name:        t.cfg.Name,
		Description: t.cfg.Description,
		Parameters:  params,
	}
}

func (t *ExecTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool."+t.cfg.Name,
		trace.WithAttributes(tracer.StringAttr("tool.name", t.cfg.Name)),
	)
	defer span.End()

	timeout := defaultExecTimeout
	if t.cfg.TimeoutMs > 0 {
		timeout = time.Duration(t.cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command[0], t.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		tracer.RecordError(span, err)
		t.logger.Warn("tool command failed",
			"tool", t.cfg.Name,
			"elapsed", elapsed,
			"error", err,
			"stderr", truncateOutput(stderr.String(), 512),
		)
		detail := err.Error()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			detail += ": " + truncateOutput(s, 512)
		}
		return &domain.ToolResult{IsError: true, Content: "Error: " + detail}, nil
	}

	tracer.SetOK(span)
	t.logger.Debug("tool command finished", "tool", t.cfg.Name, "elapsed", elapsed)

	out := strings.TrimRight(stdout.String(), "\n")
	return &domain.ToolResult{Content: truncateOutput(out, maxToolOutput)}, nil
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (output truncated)"
}
