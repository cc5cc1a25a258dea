package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
	"github.com/petrijr/stato/pkg/spec"
)

// Submit runs one fresh domain event through the target instance's state
// machine: it acquires the instance's exclusive slot, loads or recovers the
// state, applies the transition, and durably appends the result together
// with its outbox entries. Concurrent submits for the same instance queue on
// the slot; unrelated instances proceed fully in parallel.
func (e *Engine) Submit(ctx context.Context, req api.SubmitRequest) (*api.Instance, error) {
	if req.WorkflowType == "" {
		return nil, fmt.Errorf("engine: workflow type is required")
	}
	if req.EventType == "" {
		return nil, fmt.Errorf("engine: event type is required")
	}
	if req.InstanceID == uuid.Nil {
		req.InstanceID = uuid.New()
	}
	if req.EventID == uuid.Nil {
		req.EventID = uuid.New()
	}
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}

	ev := api.Event{
		ID:            req.EventID,
		WorkflowType:  req.WorkflowType,
		InstanceID:    req.InstanceID,
		Type:          req.EventType,
		Kind:          api.KindDomain,
		Payload:       req.Payload,
		CausationID:   req.CausationID,
		CorrelationID: req.CorrelationID,
		At:            time.Now().UTC(),
	}
	return e.submit(ctx, ev, "")
}

// SubmitEvent routes a delivered event through ingestion. Events carrying a
// sequence number were already appended once; they deduplicate against the
// instance's applied sequence instead of driving a new transition.
func (e *Engine) SubmitEvent(ctx context.Context, ev api.Event) (*api.Instance, error) {
	if ev.WorkflowType == "" || ev.InstanceID == uuid.Nil {
		return nil, fmt.Errorf("engine: event needs workflow type and instance id")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CorrelationID == uuid.Nil {
		ev.CorrelationID = uuid.New()
	}
	if ev.Kind == "" {
		ev.Kind = api.KindDomain
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return e.submit(ctx, ev, "")
}

// submit serializes on the instance slot and retries the whole transition
// on sequence conflicts: the log's optimistic concurrency is the final
// arbiter even if another process holds a slot for the same instance.
func (e *Engine) submit(ctx context.Context, ev api.Event, override spec.Policy) (*api.Instance, error) {
	if _, err := e.specFor(ev.WorkflowType, ""); err != nil {
		return nil, err
	}

	key := slotKey{workflowType: ev.WorkflowType, instanceID: ev.InstanceID}
	s := e.slotFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer e.evictIfEmpty(key, s)

	for attempt := 0; ; attempt++ {
		inst, _, err := e.loadLocked(ctx, s, key)
		if err != nil {
			return nil, err
		}

		next, err := e.processLocked(ctx, s, inst, ev, override)
		if err == nil {
			return next.Clone(), nil
		}
		if api.IsSequenceConflict(err) && attempt < e.cfg.AppendRetries {
			// Another writer advanced the tail; rebuild from the log and
			// run the transition again from scratch.
			s.inst = nil
			continue
		}
		return nil, err
	}
}

// processLocked applies one event to the loaded instance under its slot.
func (e *Engine) processLocked(ctx context.Context, s *slot, inst *api.Instance, ev api.Event, override spec.Policy) (*api.Instance, error) {
	// Idempotency: an event whose sequence is already covered was applied
	// before (directly or during replay). Discard without touching state
	// or re-running effects.
	if ev.Sequence > 0 {
		if ev.Sequence <= inst.Sequence {
			e.obs.OnEventDiscarded(ctx, inst, ev)
			return inst, nil
		}
		// A sequenced event beyond the tail was never appended to this
		// log. That is corruption or cross-environment traffic, not a
		// race: sequences are assigned at append time.
		return nil, fmt.Errorf("engine: event sequence %d ahead of log tail %d for %s/%s",
			ev.Sequence, inst.Sequence, inst.WorkflowType, inst.InstanceID)
	}

	if inst.Terminal {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrInstanceTerminal, inst.WorkflowType, inst.InstanceID)
	}
	if inst.Suspended && ev.Type != api.EventTypeResumed {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrInstanceSuspended, inst.WorkflowType, inst.InstanceID)
	}

	cs, err := e.specFor(inst.WorkflowType, inst.SpecVersion)
	if err != nil {
		return nil, err
	}

	res, err := e.evaluate(cs, inst, ev)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return e.rejectLocked(ctx, s, inst, ev, cs, override)
	}

	appended, err := e.appendLocked(ctx, s, res, ev)
	if err != nil {
		return nil, err
	}

	e.obs.OnEventApplied(ctx, res.inst, appended)
	e.scheduleEffects(res.inst.Clone(), appended, res.effects)
	e.maybeSnapshot(s)

	if res.inst.Terminal {
		// Terminal instances stay queryable but their cache entry is no
		// longer hot; drop it so long-running processes don't accumulate
		// finished instances.
		s.inst = nil
	}
	return res.inst, nil
}

// rejectLocked runs the unhandled-event policy for an event no transition
// matched.
func (e *Engine) rejectLocked(ctx context.Context, s *slot, inst *api.Instance, ev api.Event, cs *spec.CompiledSpec, override spec.Policy) (*api.Instance, error) {
	policy := cs.Unhandled()
	if override != "" {
		policy = override
	}
	rejectErr := &api.InvalidTransitionError{
		WorkflowType: inst.WorkflowType,
		State:        inst.State,
		EventType:    ev.Type,
	}
	e.obs.OnTransitionRejected(ctx, inst, ev, string(policy), rejectErr)

	switch policy {
	case spec.PolicyIgnore:
		return inst, nil

	case spec.PolicySuspend:
		return e.suspendLocked(ctx, s, inst, ev, rejectErr.Error())

	default: // deadletter
		if e.transport != nil {
			if err := e.transport.Publish(ctx, e.cfg.DeadLetterTopic, ev); err != nil {
				// The transport will see this event again via redelivery.
				return nil, fmt.Errorf("engine: dead-letter publish: %w", err)
			}
		}
		return inst, nil
	}
}

// suspendLocked appends a suspension marker so the flag is part of the
// replayable history, then alerts.
func (e *Engine) suspendLocked(ctx context.Context, s *slot, inst *api.Instance, cause api.Event, reason string) (*api.Instance, error) {
	payload, _ := json.Marshal(map[string]string{
		"reason":     reason,
		"event_type": cause.Type,
	})
	marker := api.Event{
		ID:            uuid.New(),
		WorkflowType:  inst.WorkflowType,
		InstanceID:    inst.InstanceID,
		Type:          api.EventTypeSuspended,
		Kind:          api.KindDomain,
		Payload:       payload,
		CausationID:   &cause.ID,
		CorrelationID: cause.CorrelationID,
		At:            time.Now().UTC(),
	}

	next := inst.Clone()
	next.Suspended = true
	res := &applied{inst: next}

	appended, err := e.appendLocked(ctx, s, res, marker)
	if err != nil {
		return nil, err
	}
	e.obs.OnEventApplied(ctx, next, appended)
	e.obs.OnInstanceSuspended(ctx, next, reason)
	return next, nil
}

// appendLocked durably appends the triggering event plus any emitted
// notices, records their outbox entries (atomically with the append when
// the log supports it), and commits the applied state to the slot cache.
func (e *Engine) appendLocked(ctx context.Context, s *slot, res *applied, ev api.Event) (api.Event, error) {
	inst := res.inst
	ev.WorkflowType = inst.WorkflowType
	ev.InstanceID = inst.InstanceID
	ev.SpecVersion = inst.SpecVersion

	events := make([]api.Event, 0, 1+len(res.emit))
	events = append(events, ev)
	for _, noticeType := range res.emit {
		events = append(events, api.Event{
			ID:            uuid.New(),
			WorkflowType:  inst.WorkflowType,
			InstanceID:    inst.InstanceID,
			Type:          noticeType,
			Kind:          api.KindNotice,
			CausationID:   &ev.ID,
			CorrelationID: ev.CorrelationID,
			SpecVersion:   inst.SpecVersion,
			At:            time.Now().UTC(),
		})
	}

	var entries []api.OutboxEntry
	if e.outbox != nil {
		entries = make([]api.OutboxEntry, len(events))
		for i, out := range events {
			entries[i] = api.OutboxEntry{
				EventID:   out.ID,
				Topic:     e.cfg.TopicFor(out),
				CreatedAt: time.Now().UTC(),
			}
		}
	}

	var (
		rng api.SequenceRange
		err error
	)
	if oa, ok := e.log.(api.OutboxAppender); ok && entries != nil {
		rng, err = oa.AppendWithOutbox(ctx, inst.WorkflowType, inst.InstanceID, inst.Sequence, events, entries)
	} else {
		rng, err = e.log.Append(ctx, inst.WorkflowType, inst.InstanceID, inst.Sequence, events)
		if err == nil && entries != nil {
			if addErr := e.outbox.Add(ctx, entries, events); addErr != nil {
				// The events are durable; publication is retried by the
				// next publisher pass only if the entries made it. Losing
				// them here is surfaced for the operator.
				e.logger.Error("outbox_add_failed",
					"workflow_type", inst.WorkflowType,
					"instance_id", inst.InstanceID.String(),
					"error", addErr,
				)
			}
		}
	}
	if err != nil {
		return api.Event{}, err
	}

	inst.Sequence = rng.To
	inst.UpdatedAt = time.Now().UTC()
	s.inst = inst
	return events[0], nil
}
