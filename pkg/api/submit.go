package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubmitRequest describes one fresh domain event to run through an
// instance's state machine. The event's sequence is assigned by the event
// log if and only if a transition accepts it.
type SubmitRequest struct {
	WorkflowType string
	// InstanceID targets an instance. uuid.Nil creates a new instance.
	InstanceID uuid.UUID

	EventType string
	Payload   json.RawMessage

	// EventID is optional; a random ID is generated when nil.
	EventID uuid.UUID
	// CausationID references the event whose processing produced this one.
	CausationID *uuid.UUID
	// CorrelationID groups events of one logical flow; generated when nil.
	CorrelationID uuid.UUID
}

// Projection derives a read model by tailing a workflow type's events from a
// durable cursor. Apply must be pure with respect to the event stream: the
// read model is rebuildable and never a source of truth.
type Projection struct {
	// Name keys the durable cursor.
	Name string
	// WorkflowType selects the stream to tail.
	WorkflowType string
	// Apply consumes one event. An error pauses this projection's cursor
	// (the write path and other projections are unaffected) and the event
	// is retried, unless SkipOnError is set.
	Apply func(ctx context.Context, ev Event) error
	// SkipOnError advances past a failing event after alerting, for
	// non-critical projections.
	SkipOnError bool

	// PollInterval is the idle wait between tail reads. Zero uses the
	// engine default.
	PollInterval time.Duration
	// BatchSize bounds each read. Zero uses the engine default.
	BatchSize int
}
