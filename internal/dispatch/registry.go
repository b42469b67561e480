// Package dispatch provides the uniform synchronous tool-call layer: given a
// decision action it resolves argument templates, validates the argument bag
// against the tool's declared shape, enforces the action's timeout ceiling and
// retry budget, and returns a structured observation plus feedback.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// ArgType is the expected JSON type of a tool argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgNumber  ArgType = "number"
	ArgInteger ArgType = "integer"
	ArgBool    ArgType = "boolean"
)

// ArgSpec declares one argument of a tool. The bag itself stays a string-keyed
// map for flexibility, but every access goes through this validation.
type ArgSpec struct {
	Name     string
	Type     ArgType
	Required bool
	// Enum, when non-empty, restricts a string argument to the listed values.
	Enum []string
}

// Tool is the collaborator contract the dispatcher consumes. Implementations
// live in the tools package (browser, local OS).
type Tool interface {
	Name() string
	// Guide is the one-line parameter description handed to the planner.
	Guide() string
	Args() []ArgSpec
	// Invoke runs the tool and returns a fresh observation plus feedback.
	// Implementations must honor ctx cancellation.
	Invoke(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback)
}

// ConditionWaiter is implemented by tools that can wait for a page condition
// (used for the action's wait_for_condition_after).
type ConditionWaiter interface {
	WaitCondition(ctx context.Context, condition string) error
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; the last registration for a name wins.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the tool registered under the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GuideFor returns the one-line parameter guide for a tool name, or "".
func (r *Registry) GuideFor(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.Guide()
	}
	return ""
}

// validateArgs checks a resolved argument bag against the tool's spec.
func validateArgs(specs []ArgSpec, args map[string]any) error {
	for _, spec := range specs {
		value, present := args[spec.Name]
		if !present {
			if spec.Required {
				return fmt.Errorf("missing required argument %q", spec.Name)
			}
			continue
		}
		if err := checkArgType(spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkArgType(spec ArgSpec, value any) error {
	switch spec.Type {
	case ArgString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("argument %q must be a string, got %T", spec.Name, value)
		}
		if len(spec.Enum) > 0 {
			for _, allowed := range spec.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("argument %q must be one of %v, got %q", spec.Name, spec.Enum, s)
		}
	case ArgNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("argument %q must be a number, got %T", spec.Name, value)
		}
	case ArgInteger:
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("argument %q must be an integer, got %v", spec.Name, v)
			}
		default:
			return fmt.Errorf("argument %q must be an integer, got %T", spec.Name, value)
		}
	case ArgBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean, got %T", spec.Name, value)
		}
	}
	return nil
}
