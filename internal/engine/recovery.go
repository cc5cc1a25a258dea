package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/stato/pkg/api"
)

// replayBatch is the page size for log reads during recovery.
const replayBatch = 256

// loadLocked returns the instance for the slot, recovering it when the cache
// is cold: latest snapshot as the starting point, then replay of every event
// after it. found is false when neither a snapshot nor any event exists, i.e.
// the instance would be brand new. The slot mutex must be held.
func (e *Engine) loadLocked(ctx context.Context, s *slot, key slotKey) (*api.Instance, bool, error) {
	if s.inst != nil {
		return s.inst, true, nil
	}

	var (
		inst  *api.Instance
		found bool
	)
	if e.snapshots != nil {
		snap, err := e.snapshots.Latest(ctx, key.workflowType, key.instanceID, 0)
		if err != nil {
			return nil, false, fmt.Errorf("engine: load snapshot: %w", err)
		}
		if snap != nil {
			inst = snap.Restore()
			found = true
			s.lastSnapshot = snap.Sequence
			s.lastSnapshotAt = snap.CreatedAt
		}
	}
	if inst == nil {
		cs, err := e.specFor(key.workflowType, "")
		if err != nil {
			return nil, false, err
		}
		inst = &api.Instance{
			WorkflowType: key.workflowType,
			InstanceID:   key.instanceID,
			State:        cs.Initial(),
			SpecVersion:  cs.Version(),
		}
	}

	replayed, err := e.replay(ctx, inst)
	if err != nil {
		return nil, false, err
	}
	found = found || replayed

	// Only instances with durable history are cached; a lookup of an id
	// that was never written must not pin the slot.
	if found {
		s.inst = inst
	}
	return inst, found, nil
}

// replay applies every logged event after inst.Sequence. Replay re-runs
// guards and computes only: effects already happened, notices carry no state,
// and their outcomes are themselves events in the log. It reports whether any
// event was replayed.
func (e *Engine) replay(ctx context.Context, inst *api.Instance) (bool, error) {
	replayed := false
	for {
		events, err := e.log.Read(ctx, inst.WorkflowType, inst.InstanceID, inst.Sequence, replayBatch)
		if err != nil {
			return replayed, fmt.Errorf("engine: replay read after %d: %w", inst.Sequence, err)
		}
		if len(events) == 0 {
			return replayed, nil
		}
		for _, ev := range events {
			if err := e.applyReplay(inst, ev); err != nil {
				return replayed, err
			}
			replayed = true
		}
		if len(events) < replayBatch {
			return replayed, nil
		}
	}
}

// applyReplay advances the instance over one logged event. Events that
// matched no transition when they were appended (notices, dead-lettered
// originals never make it into the log) simply advance the sequence; the
// live path and replay must agree on exactly which events mutate state.
func (e *Engine) applyReplay(inst *api.Instance, ev api.Event) error {
	defer func() {
		inst.Sequence = ev.Sequence
		inst.UpdatedAt = ev.At
	}()

	if ev.Kind == api.KindNotice {
		return nil
	}
	switch ev.Type {
	case api.EventTypeSuspended:
		inst.Suspended = true
		return nil
	case api.EventTypeResumed:
		inst.Suspended = false
		return nil
	}

	cs, err := e.specFor(inst.WorkflowType, ev.SpecVersion)
	if err != nil {
		return fmt.Errorf("engine: replay of %s/%s at %d: %w",
			inst.WorkflowType, inst.InstanceID, ev.Sequence, err)
	}
	res, err := e.evaluate(cs, inst, ev)
	if err != nil {
		return fmt.Errorf("engine: replay of %s/%s at %d: %w",
			inst.WorkflowType, inst.InstanceID, ev.Sequence, err)
	}
	if res == nil {
		// An appended event with no matching transition can only mean the
		// specification bindings changed since it was written. Skipping is
		// the conservative choice; determinism against the current bindings
		// is preserved because the live path would skip it the same way.
		return nil
	}
	*inst = *res.inst
	return nil
}
