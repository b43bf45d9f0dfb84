// Package tools is the name-to-function dispatch layer for the advisor's
// analysis tools, with schema-driven parameter coercion.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quantfolio/advisor-agent/internal/llm"
)

var (
	// ErrUnknownTool is returned when a call names a tool nobody registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidToolParameters is returned when arguments cannot be coerced
	// to the declared parameter types.
	ErrInvalidToolParameters = errors.New("invalid tool parameters")
)

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
)

type ParamSpec struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Handler executes one tool call with already-coerced arguments. The result
// must be JSON-serializable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type Definition struct {
	Name        string
	Description string
	Params      []ParamSpec
	// AccountScoped tools receive the authenticated account id injected by
	// the executor; the parameter is hidden from the model-visible schema.
	AccountScoped bool
	Handler       Handler
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	def.Name = name
	for i := range def.Params {
		def.Params[i].Name = strings.TrimSpace(def.Params[i].Name)
		if def.Params[i].Name == "" {
			return fmt.Errorf("tool %s has a parameter with no name", name)
		}
		switch def.Params[i].Type {
		case ParamString, ParamInteger, ParamNumber, ParamBoolean:
		default:
			return fmt.Errorf("tool %s parameter %s has unknown type %q", name, def.Params[i].Name, def.Params[i].Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("duplicate tool %q", name)
	}
	r.tools[name] = def
	return nil
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns every registered tool sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelToolDefs renders the registry as the tool list handed to the model.
// Account-scoped parameters never appear in the schema the model sees.
func (r *Registry) ModelToolDefs() []llm.ToolDef {
	defs := r.Definitions()
	out := make([]llm.ToolDef, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: buildInputSchema(def.Params),
		})
	}
	return out
}

func buildInputSchema(params []ParamSpec) []byte {
	properties := map[string]any{}
	required := []string{}
	for _, p := range params {
		properties[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return []byte(`{"type":"object","properties":{}}`)
	}
	return raw
}
