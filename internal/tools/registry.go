// Package tools defines the tool contract the agent loop dispatches
// against. Concrete tools (file I/O, HTTP, calendar, search) are
// collaborators registered at startup; the runtime only knows their
// name, schema, and invoke entry point.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentrelay/relay/internal/llm"
)

// Tool is the interface every tool implementation must satisfy.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema returns the JSON Schema for the arguments object.
	ParametersSchema() json.RawMessage
	// Invoke executes the tool. Failures should be returned as a Result
	// with IsError set; a non-nil error means the tool itself crashed.
	Invoke(ctx context.Context, arguments json.RawMessage) (*Result, error)
}

// Registry holds the tools enabled for an agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, validating that its parameter schema compiles.
func (r *Registry) Register(t Tool) error {
	schema := t.ParametersSchema()
	if len(schema) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(t.Name()+".json", bytes.NewReader(schema)); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", t.Name(), err)
		}
		if _, err := c.Compile(t.Name() + ".json"); err != nil {
			return fmt.Errorf("tool %s: invalid parameters schema: %w", t.Name(), err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns provider-facing tool definitions for all registered tools.
func (r *Registry) Defs() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		var params map[string]any
		if schema := t.ParametersSchema(); len(schema) > 0 {
			if err := json.Unmarshal(schema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return defs
}

// Invoke executes a tool by name. Unknown tools and tool panics are
// folded into an error Result so the turn can continue.
func (r *Registry) Invoke(ctx context.Context, name string, arguments json.RawMessage) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	res, err := func() (res *Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("tool panicked: %v", p)
			}
		}()
		return t.Invoke(ctx, arguments)
	}()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if res == nil {
		return ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	return res
}
