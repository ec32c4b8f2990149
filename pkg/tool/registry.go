package tool

import (
	"fmt"
	"sync"

	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/registry"
)

// NamespaceBuiltin is the namespace the module's own tools register under.
const NamespaceBuiltin = "builtin"

// reservedNames cover dynamic code evaluation, which the registry refuses
// to host regardless of namespace.
var reservedNames = map[string]struct{}{
	"eval": {},
	"exec": {},
}

// Registry maps globally unique tool names to specs. Registration is
// policy-enforced: a spec is admitted only when its namespace is
// allowlisted, its construction rules hold, and its parameter schema
// compiles. List and Names follow registration order, which downstream
// ranking relies on for deterministic tie-breaks.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]struct{}
	specs      *registry.BaseRegistry[*Spec]
}

// NewRegistry builds a registry admitting the given namespaces. With no
// arguments only the builtin namespace is admitted.
func NewRegistry(namespaces ...string) *Registry {
	if len(namespaces) == 0 {
		namespaces = []string{NamespaceBuiltin}
	}
	allowed := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		allowed[ns] = struct{}{}
	}
	return &Registry{
		namespaces: allowed,
		specs:      registry.NewBaseRegistry[*Spec](),
	}
}

// AllowNamespace admits an additional namespace, e.g. for a remote toolset
// mounted after construction.
func (r *Registry) AllowNamespace(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespaces[ns] = struct{}{}
}

// NamespaceAllowed reports whether specs from ns may register.
func (r *Registry) NamespaceAllowed(ns string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.namespaces[ns]
	return ok
}

// Register validates and admits a spec. The spec's parameter schema is
// compiled here so invalid schemas surface at wiring time rather than on
// the first call.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil {
		return fmt.Errorf("tool spec must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid tool spec: %w", err)
	}
	if _, reserved := reservedNames[spec.Name]; reserved {
		return failure.New(failure.PolicySecurity,
			"tool %s: dynamic evaluation is not supported", spec.Name)
	}
	if !r.NamespaceAllowed(spec.Namespace) {
		return failure.New(failure.PolicySecurity,
			"tool %s: namespace %q is not allowlisted", spec.Name, spec.Namespace)
	}
	compiled, err := compileParameters(spec.Name, spec.Parameters)
	if err != nil {
		return err
	}
	spec.compiled = compiled
	if err := r.specs.Register(spec.Name, spec); err != nil {
		return fmt.Errorf("registering tool: %w", err)
	}
	return nil
}

// MustRegister is Register for static wiring at startup, where a rejected
// spec is a programming error.
func (r *Registry) MustRegister(spec *Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	return r.specs.Get(name)
}

// List returns all specs in registration order.
func (r *Registry) List() []*Spec {
	return r.specs.List()
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	return r.specs.Names()
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return r.specs.Count()
}

// Remove unregisters a tool.
func (r *Registry) Remove(name string) error {
	return r.specs.Remove(name)
}
