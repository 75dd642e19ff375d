// Package tool holds the static tool table and dispatches model-issued tool calls.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/kotoba/internal/model/contract"
)

// Tool is a capability the model can call by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Registry maps tool names to tools. It is filled at startup and only read afterwards.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := NormalizeToolName(t.Name())
	if name == "" {
		return fmt.Errorf("tool: empty tool name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: duplicate tool name %q", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[NormalizeToolName(name)]
	return t, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schemas sent to the model, sorted by name.
func (r *Registry) Definitions() []contract.ToolDef {
	descs := r.Descriptors()
	defs := make([]contract.ToolDef, len(descs))
	for i, d := range descs {
		defs[i] = d.Definition
	}
	return defs
}

func (r *Registry) Descriptors() []ToolDescriptor {
	names := r.Names()
	out := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, ToolDescriptor{
			Definition: contract.ToolDef{
				Name:        name,
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
			Metadata: MetadataOf(t),
		})
	}
	return out
}

func NormalizeToolName(name string) string {
	return strings.TrimSpace(name)
}

type scopeKey struct{}

// WithScope attaches the retrieval scope (tenant or group) of the current request.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func ScopeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey{}).(string); ok {
		return v
	}
	return ""
}
