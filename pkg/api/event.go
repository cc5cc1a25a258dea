package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes events that drive transitions from events that are
// appended and published for consumers but never routed back into the FSM.
type EventKind string

const (
	// KindDomain events are routed through the state machine.
	KindDomain EventKind = "domain"
	// KindNotice events are recorded and published only. They are produced
	// by a transition's emit declarations and are skipped during replay.
	KindNotice EventKind = "notice"
)

// Built-in event types the executor handles before any spec lookup.
const (
	// EventTypeSuspended marks the instance as suspended. It is appended by
	// the engine when an effect exhausts its retries without a compensating
	// transition, or when the unhandled-event policy is "suspend".
	EventTypeSuspended = "workflow.suspended"
	// EventTypeResumed clears the suspended flag. Appended by Engine.Resume.
	EventTypeResumed = "workflow.resumed"
)

// Event is one immutable record in an instance's history.
//
// Sequence is assigned by the event log at append time and is unique and
// contiguous per (WorkflowType, InstanceID), starting at 1. Callers never set
// it; an event carrying a non-zero Sequence has already been durably appended.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	InstanceID   uuid.UUID       `json:"instance_id"`
	Sequence     uint64          `json:"sequence"`
	Type         string          `json:"type"`
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	// CausationID references the event whose processing produced this one.
	// Nil for externally submitted events.
	CausationID *uuid.UUID `json:"causation_id,omitempty"`
	// CorrelationID groups all events belonging to one logical flow.
	CorrelationID uuid.UUID `json:"correlation_id"`

	// SpecVersion records the specification version that applied this event,
	// so replay selects the same compiled specification.
	SpecVersion string `json:"spec_version,omitempty"`

	At time.Time `json:"at"`
}

// SequenceRange is the contiguous range of sequence numbers assigned by a
// single append call. Both bounds are inclusive.
type SequenceRange struct {
	From uint64
	To   uint64
}

// Count returns the number of sequences in the range.
func (r SequenceRange) Count() int {
	if r.To < r.From {
		return 0
	}
	return int(r.To - r.From + 1)
}
