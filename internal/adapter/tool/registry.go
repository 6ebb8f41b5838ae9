// Package tool implements the local tools a call can expose to the speech
// model: a registry with JSON Schema input validation and executable tools
// declared in configuration.
package tool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

// Registry holds named tools. It implements domain.ToolExecutor.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry. Registered tools are wrapped
// with schema validation; if a tool's schema fails to compile it is
// registered unwrapped and a warning is logged.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// FromConfig builds a registry holding one ExecTool per configured tool.
func FromConfig(cfgs []config.ToolConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, cfg := range cfgs {
		if err := r.Register(NewExecTool(cfg, logger)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Returns an error if the name is already registered.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
		}
	} else {
		t = wrapped
	}

	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewToolError("Registry.Get", name, errors.New("not registered"))
	}
	return t, nil
}

// List returns all registered tools.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Schemas returns all tool schemas for the model's function-calling protocol.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}
