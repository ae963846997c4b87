// Package tool holds the tools experts may call and the gateway that runs
// them under a deadline.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

const (
	ToolMathEvaluate  = "math.evaluate"
	ToolKnowledgeBase = "knowledge_base.search"
	ToolUnitsConvert  = "units.convert"
)

type RunFunc func(ctx context.Context, args map[string]any) (any, error)

type Spec struct {
	Name   string
	Desc   string
	Params map[string]*schema.ParameterInfo
	Run    RunFunc
}

func (s Spec) info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        s.Name,
		Desc:        s.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(s.Params),
	}
}

type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.Register(s)
	}
	return r
}

// NewDefaultRegistry registers the built-in tools. The knowledge base tool is
// only available when retriever is non-nil.
func NewDefaultRegistry(retriever contractx.Retriever) *Registry {
	r := NewRegistry(MathSpec(), UnitsSpec())
	if retriever != nil {
		r.Register(KnowledgeBaseSpec(retriever))
	}
	return r
}

func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.Name] = s
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InfosFor returns tool descriptions for ids in the given order, skipping
// ids the registry does not know.
func (r *Registry) InfosFor(ids []string) []*schema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.ToolInfo, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s, ok := r.specs[id]; ok {
			out = append(out, s.info())
		}
	}
	return out
}

// JSONSchema renders a tool's parameters as JSON-schema properties.
func (r *Registry) JSONSchema(name string) (map[string]any, []string, bool) {
	s, ok := r.Lookup(name)
	if !ok {
		return nil, nil, false
	}
	props := make(map[string]any, len(s.Params))
	var required []string
	for key, p := range s.Params {
		props[key] = paramSchema(p)
		if p.Required {
			required = append(required, key)
		}
	}
	sort.Strings(required)
	return props, required, true
}

func paramSchema(p *schema.ParameterInfo) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Desc != "" {
		out["description"] = p.Desc
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.ElemInfo != nil {
		out["items"] = paramSchema(p.ElemInfo)
	}
	if len(p.SubParams) > 0 {
		props := make(map[string]any, len(p.SubParams))
		for k, sub := range p.SubParams {
			props[k] = paramSchema(sub)
		}
		out["properties"] = props
	}
	return out
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func numberArg(args map[string]any, key string) (float64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := evaluateMathExpression(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
