package tools

import (
	"context"
	"fmt"
)

// Input is what a tool receives for one page.
type Input struct {
	Image   Image
	Subject string
}

// Tool is one capability implementation.
type Tool interface {
	Name() Name
	Call(ctx context.Context, in Input) ToolResult
}

// Registry is the static dispatch table from Name to implementation.
type Registry struct {
	tools map[Name]Tool
}

// NewRegistry builds a registry. Unknown or duplicate names are rejected.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[Name]Tool, len(ts))}
	for _, t := range ts {
		if t == nil {
			continue
		}
		if _, err := ParseName(string(t.Name())); err != nil {
			return nil, fmt.Errorf("registering tool: %w", err)
		}
		if _, dup := r.tools[t.Name()]; dup {
			return nil, fmt.Errorf("tool %s registered twice", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r, nil
}

// Get returns the implementation for n.
func (r *Registry) Get(n Name) (Tool, bool) {
	t, ok := r.tools[n]
	return t, ok
}

// Has reports whether n is registered.
func (r *Registry) Has(n Name) bool {
	_, ok := r.tools[n]
	return ok
}

// Func adapts a function into a Tool with the given name.
type Func struct {
	ToolName Name
	Fn       func(ctx context.Context, in Input) ToolResult
}

func (f Func) Name() Name { return f.ToolName }

func (f Func) Call(ctx context.Context, in Input) ToolResult { return f.Fn(ctx, in) }
