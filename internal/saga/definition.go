package saga

import (
	"sort"
	"sync"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// Definition is a named, ordered list of steps. It is frozen at build time;
// Steps hands out a copy so registered definitions cannot drift.
type Definition struct {
	name  string
	steps []Step
}

func NewDefinition(name string, steps ...Step) *Definition {
	return &Definition{
		name:  name,
		steps: append([]Step(nil), steps...),
	}
}

func (d *Definition) Name() string { return d.name }

func (d *Definition) Steps() []Step {
	return append([]Step(nil), d.steps...)
}

// Validate rejects unnamed definitions, unnamed steps and duplicate step
// names. An empty step list is valid; such a saga completes immediately.
func (d *Definition) Validate() error {
	if d.name == "" {
		return apierrors.New(apierrors.CodeDefinitionInvalid, "definition name is required")
	}
	seen := make(map[string]struct{}, len(d.steps))
	for i, step := range d.steps {
		if step == nil {
			return apierrors.Newf(apierrors.CodeDefinitionInvalid, "definition %s: step %d is nil", d.name, i)
		}
		name := step.Name()
		if name == "" {
			return apierrors.Newf(apierrors.CodeDefinitionInvalid, "definition %s: step %d has no name", d.name, i)
		}
		if _, exists := seen[name]; exists {
			return apierrors.Newf(apierrors.CodeDefinitionInvalid, "definition %s: duplicate step %s", d.name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Registry holds the definitions the execute API can run, keyed by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return apierrors.New(apierrors.CodeDefinitionInvalid, "nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.name]; exists {
		return apierrors.Newf(apierrors.CodeAlreadyExists, "definition %s already registered", def.name)
	}
	r.defs[def.name] = def
	return nil
}

func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic("saga registry: " + err.Error())
	}
}

func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeDefinitionNotFound, "definition %s is not registered", name)
	}
	return def, nil
}

// Names lists registered definitions in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
