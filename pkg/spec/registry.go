package spec

import (
	"encoding/json"

	"github.com/petrijr/stato/pkg/api"
)

// GuardFunc is a boolean predicate over the instance's active states, its
// data, and the incoming event. Guards must be pure: no I/O, no mutation,
// same inputs always yield the same answer.
type GuardFunc func(state api.StateSet, data json.RawMessage, ev api.Event) (bool, error)

// ComputeFunc derives new instance data from the current data and the event.
// Computes must be pure and deterministic; they are re-run during replay and
// any nondeterminism breaks recovery.
type ComputeFunc func(data json.RawMessage, ev api.Event) (json.RawMessage, error)

// Registry binds the guard, compute and effect names a document references
// to their Go implementations. It is populated once before Compile and
// treated as immutable afterwards; there is no ambient global registry, so
// several specification versions can coexist during rolling upgrades.
type Registry struct {
	guards   map[string]GuardFunc
	computes map[string]ComputeFunc
	effects  map[string]api.EffectInvoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		guards:   make(map[string]GuardFunc),
		computes: make(map[string]ComputeFunc),
		effects:  make(map[string]api.EffectInvoker),
	}
}

// Guard registers a guard under the given name. Returns the registry for
// chaining. Registering the same name twice panics: bindings are wiring, not
// runtime state.
func (r *Registry) Guard(name string, fn GuardFunc) *Registry {
	if name == "" || fn == nil {
		panic("spec: guard requires a name and a function")
	}
	if _, dup := r.guards[name]; dup {
		panic("spec: duplicate guard " + name)
	}
	r.guards[name] = fn
	return r
}

// Compute registers a compute under the given name.
func (r *Registry) Compute(name string, fn ComputeFunc) *Registry {
	if name == "" || fn == nil {
		panic("spec: compute requires a name and a function")
	}
	if _, dup := r.computes[name]; dup {
		panic("spec: duplicate compute " + name)
	}
	r.computes[name] = fn
	return r
}

// Effect registers the invoker for a declared effect name.
func (r *Registry) Effect(name string, inv api.EffectInvoker) *Registry {
	if name == "" || inv == nil {
		panic("spec: effect requires a name and an invoker")
	}
	if _, dup := r.effects[name]; dup {
		panic("spec: duplicate effect " + name)
	}
	r.effects[name] = inv
	return r
}

func (r *Registry) guard(name string) (GuardFunc, bool) {
	fn, ok := r.guards[name]
	return fn, ok
}

func (r *Registry) compute(name string) (ComputeFunc, bool) {
	fn, ok := r.computes[name]
	return fn, ok
}

func (r *Registry) effect(name string) (api.EffectInvoker, bool) {
	inv, ok := r.effects[name]
	return inv, ok
}
