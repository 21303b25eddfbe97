package toolgw

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeoutClass buckets tools by the shape of their work; each class carries
// its own execution deadline.
type TimeoutClass string

const (
	ClassDataFetch   TimeoutClass = "data_fetch"
	ClassComputation TimeoutClass = "computation"
	ClassAction      TimeoutClass = "action"
)

// DefaultTimeouts are the per-class deadlines used when configuration does
// not override them.
func DefaultTimeouts() map[TimeoutClass]time.Duration {
	return map[TimeoutClass]time.Duration{
		ClassDataFetch:   8 * time.Second,
		ClassComputation: 20 * time.Second,
		ClassAction:      25 * time.Second,
	}
}

// ExecuteFunc runs the tool's side effect. Cancellation is cooperative: the
// function must honor ctx and unwind cleanly when it is cancelled.
type ExecuteFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Tool is one registered external operation.
type Tool struct {
	Name                 string
	Version              string
	Class                TimeoutClass
	RequiredPermissions  []string
	Params               Schema
	Result               Schema
	CancelOnInterruption bool

	// Rule is the tool-specific business predicate (stage 4 of the
	// pipeline), e.g. amount < credit limit. Nil means no rule.
	Rule func(params map[string]any) error

	// Compensation names the tool that semantically reverses this one in a
	// saga; empty means the step is not compensable.
	Compensation string

	// Timeout overrides the class deadline when positive.
	Timeout time.Duration

	Execute ExecuteFunc

	// Cleanup runs after a cancelled execution: close handles, release
	// locks. Cancellation is never silent.
	Cleanup func(ctx context.Context)
}

func toolKey(name, version string) string {
	return strings.TrimSpace(name) + "@" + strings.TrimSpace(version)
}

// Registry is the shared name+version index of tools. Registration happens at
// startup; lookups are concurrent and read-only afterwards.
type Registry struct {
	byKey map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return nil, fmt.Errorf("tool name must be non-empty")
		}
		if strings.TrimSpace(tool.Version) == "" {
			return nil, fmt.Errorf("tool %q version must be non-empty", tool.Name)
		}
		if tool.Execute == nil {
			return nil, fmt.Errorf("tool %q has no execute function", tool.Name)
		}
		key := toolKey(tool.Name, tool.Version)
		if _, exists := r.byKey[key]; exists {
			return nil, fmt.Errorf("duplicate tool registration %q", key)
		}
		if tool.Class == "" {
			tool.Class = ClassDataFetch
		}
		r.byKey[key] = tool
	}
	return r, nil
}

func (r *Registry) Lookup(name, version string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	tool, ok := r.byKey[toolKey(name, version)]
	return tool, ok
}

func (r *Registry) Has(name, version string) bool {
	_, ok := r.Lookup(name, version)
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}
