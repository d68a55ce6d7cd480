// Package toolspec holds the command registry: one CommandSpec per dotted
// tool command (e.g. "tasks.plan.create", "graph.apply"), each carrying its
// JSON Schema, default budget profile, safety class, and handler. Schema
// generation for discovery is a pure function of the registry.
package toolspec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Safety classifies a command's side effects for allowlisting/auditing.
type Safety string

const (
	SafetyRead  Safety = "read"
	SafetyWrite Safety = "write"
	SafetyAdmin Safety = "admin"
)

// HandlerFunc executes a command's args against the underlying store and
// returns the raw result value to be budget-shaped by the caller.
type HandlerFunc func(ctx context.Context, tc Context, args map[string]any) (map[string]any, error)

// Context carries the resolved workspace and caller-declared shaping
// preferences through to a handler.
type Context struct {
	Workspace     string
	BudgetProfile string
	View          string
	Format        string
}

// CommandSpec describes one dispatchable command.
type CommandSpec struct {
	// Cmd is the dotted command name, e.g. "graph.apply".
	Cmd string
	// Tool is the top-level envelope tool this command is dispatched under
	// (one of the 10 stable tool names).
	Tool string
	// Schema is the JSON Schema (as a Go value, not yet compiled) that args
	// must satisfy.
	Schema map[string]any
	// BudgetShape names the budget.Schedule this command's result is
	// trimmed under (see internal/budget).
	BudgetShape string
	Safety      Safety
	Handler     HandlerFunc

	compiled *jsonschema.Schema
}

// Registry is an immutable, validated set of CommandSpecs keyed by Cmd.
type Registry struct {
	specs map[string]*CommandSpec
}

// NewRegistry compiles every spec's schema eagerly so that a malformed
// schema fails at startup, not on first call.
func NewRegistry(specs []CommandSpec) (*Registry, error) {
	reg := &Registry{specs: make(map[string]*CommandSpec, len(specs))}
	for i := range specs {
		spec := specs[i]
		if spec.Cmd == "" {
			return nil, fmt.Errorf("toolspec: command at index %d has no cmd name", i)
		}
		if _, exists := reg.specs[spec.Cmd]; exists {
			return nil, fmt.Errorf("toolspec: duplicate command %q", spec.Cmd)
		}
		if spec.Handler == nil {
			return nil, fmt.Errorf("toolspec: command %q has no handler", spec.Cmd)
		}
		compiled, err := compileSchema(spec.Cmd, spec.Schema)
		if err != nil {
			return nil, err
		}
		spec.compiled = compiled
		reg.specs[spec.Cmd] = &spec
	}
	return reg, nil
}

func compileSchema(cmd string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{}
	}
	c := jsonschema.NewCompiler()
	resourceID := "mem://" + cmd
	if err := c.AddResource(resourceID, schema); err != nil {
		return nil, fmt.Errorf("toolspec: %s: add schema resource: %w", cmd, err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("toolspec: %s: compile schema: %w", cmd, err)
	}
	return compiled, nil
}

// Lookup returns the spec for a dotted command name.
func (r *Registry) Lookup(cmd string) (*CommandSpec, bool) {
	spec, ok := r.specs[cmd]
	return spec, ok
}

// Validate checks args against cmd's compiled JSON Schema.
func (r *Registry) Validate(cmd string, args map[string]any) error {
	spec, ok := r.specs[cmd]
	if !ok {
		return fmt.Errorf("toolspec: unknown command %q", cmd)
	}
	// jsonschema validates against the json.Unmarshal shape (float64 numbers,
	// []any arrays); round-trip args through json to normalize it.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolspec: %s: marshal args: %w", cmd, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("toolspec: %s: unmarshal args: %w", cmd, err)
	}
	if err := spec.compiled.Validate(doc); err != nil {
		return fmt.Errorf("toolspec: %s: args do not match schema: %w", cmd, err)
	}
	return nil
}

// ByTool returns every command registered under a top-level envelope tool,
// in stable (sorted) order.
func (r *Registry) ByTool(tool string) []*CommandSpec {
	var out []*CommandSpec
	for _, spec := range r.specs {
		if spec.Tool == tool {
			out = append(out, spec)
		}
	}
	sortSpecs(out)
	return out
}

// All returns every registered command, in stable (sorted) order.
func (r *Registry) All() []*CommandSpec {
	out := make([]*CommandSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sortSpecs(out)
	return out
}

func sortSpecs(specs []*CommandSpec) {
	for i := 1; i < len(specs); i++ {
		for j := i; j > 0 && specs[j].Cmd < specs[j-1].Cmd; j-- {
			specs[j], specs[j-1] = specs[j-1], specs[j]
		}
	}
}
