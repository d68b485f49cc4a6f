package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parcelwise/assistant/pkg/domain"
)

// Registry is the process-wide tool catalogue. It is populated once at
// startup, frozen before serving begins, and read-only afterward, so lookups
// need no locking on the hot path.
type Registry struct {
	mu      sync.Mutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	frozen  bool
}

// NewRegistry builds a registry from the given tools. Registration failures
// (duplicate names, malformed schemas) are programmer errors and abort
// construction.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the catalogue. The tool's input schema is compiled
// here so a malformed schema fails at startup, not at dispatch.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		r.schemas[def.Name] = compiled
	}

	r.tools[def.Name] = t
	return nil
}

// Freeze rejects all further registration. Called once before the agent loop
// begins serving traffic.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns the definitions visible to a caller holding the given
// permissions, optionally filtered by category. Results are ordered by
// category then name so callers can page them stably.
func (r *Registry) List(held domain.PermissionSet, category string) []Definition {
	var defs []Definition
	for _, t := range r.tools {
		def := t.Definition()
		if category != "" && def.Category != category {
			continue
		}
		if !held.Contains(def.Permissions) {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Category != defs[j].Category {
			return defs[i].Category < defs[j].Category
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Declarations exports the tools visible to the caller in the provider's
// declaration format. Permission sets and confirmation flags are stripped.
func (r *Registry) Declarations(held domain.PermissionSet) []Declaration {
	defs := r.List(held, "")
	decls := make([]Declaration, 0, len(defs))
	for _, def := range defs {
		decls = append(decls, Declaration{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return decls
}
