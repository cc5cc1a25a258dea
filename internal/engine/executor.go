package engine

import (
	"fmt"

	"github.com/petrijr/stato/pkg/api"
	"github.com/petrijr/stato/pkg/spec"
)

// maxDefaultHops bounds chains of guarded default transitions. Unconditioned
// cycles are rejected at compile time; guarded ones can only be caught here.
const maxDefaultHops = 64

// applied is the outcome of evaluating one event: the next instance state
// plus the deferred work the caller owes (notices to append, effects to
// schedule).
type applied struct {
	inst    *api.Instance
	emit    []string
	effects []spec.CompiledEffect
}

// evaluate runs one event against the compiled transition table. It returns
// nil when no transition matches (the caller applies the unhandled policy)
// and an error only for processing failures: a guard or compute returning an
// error means the event cannot be safely applied and must be retried or
// investigated, never silently dropped.
//
// evaluate is pure with respect to stores and observers, which is what makes
// it shareable between live dispatch and replay.
func (e *Engine) evaluate(cs *spec.CompiledSpec, inst *api.Instance, ev api.Event) (*applied, error) {
	next := inst.Clone()

	if ev.Type == api.EventTypeResumed {
		next.Suspended = false
		return &applied{inst: next}, nil
	}
	if ev.Type == api.EventTypeSuspended {
		next.Suspended = true
		return &applied{inst: next}, nil
	}

	res := &applied{inst: next}

	ct, err := matchTransition(cs, next, ev, false)
	if err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, nil
	}
	if err := fire(next, ct, ev, res); err != nil {
		return nil, err
	}

	// Default transitions fire eagerly after every applied event until the
	// configuration settles.
	for hops := 0; ; hops++ {
		if hops >= maxDefaultHops {
			return nil, &api.InvalidTransitionError{
				WorkflowType: next.WorkflowType,
				State:        next.State,
				EventType:    ev.Type,
				Reason:       fmt.Sprintf("default transitions did not settle within %d hops", maxDefaultHops),
			}
		}
		dt, err := matchTransition(cs, next, ev, true)
		if err != nil {
			return nil, err
		}
		if dt == nil {
			break
		}
		if err := fire(next, dt, ev, res); err != nil {
			return nil, err
		}
	}

	next.Terminal = cs.TerminalSet(next.State)
	return res, nil
}

// matchTransition finds the first transition the event can take: active
// leaves in canonical order, candidates in declaration order, first passing
// guard wins.
func matchTransition(cs *spec.CompiledSpec, inst *api.Instance, ev api.Event, defaults bool) (*spec.CompiledTransition, error) {
	for _, leaf := range inst.State {
		var candidates []*spec.CompiledTransition
		if defaults {
			candidates = cs.Defaults(leaf)
		} else {
			candidates = cs.Transitions(leaf, ev.Type)
		}
		for _, ct := range candidates {
			if ct.Guard == nil {
				return ct, nil
			}
			ok, err := ct.Guard(inst.State, inst.Data, ev)
			if err != nil {
				return nil, fmt.Errorf("guard %q on %s->%s: %w", ct.GuardName, ct.From, ct.To, err)
			}
			if ok {
				return ct, nil
			}
		}
	}
	return nil, nil
}

// fire applies one transition in place: state replacement, computes in
// declaration order, and accumulation of the transition's deferred work.
func fire(inst *api.Instance, ct *spec.CompiledTransition, ev api.Event, res *applied) error {
	inst.State = inst.State.Replace(ct.ExitLeaves(inst.State), ct.EnterLeaves())

	for _, cc := range ct.Computes {
		data, err := cc.Fn(inst.Data, ev)
		if err != nil {
			return fmt.Errorf("compute %q on %s->%s: %w", cc.Name, ct.From, ct.To, err)
		}
		inst.Data = data
	}

	res.emit = append(res.emit, ct.Emit...)
	res.effects = append(res.effects, ct.Effects...)
	return nil
}
