package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventLog is the durable, append-only, per-instance-ordered event store.
// Append is the single point of sequence assignment and the engine's only
// linearization point: optimistic concurrency on expectedSequence rejects
// every writer but one, even across processes.
type EventLog interface {
	// Append durably persists all events with contiguous sequence numbers
	// starting at expectedSequence+1, atomically: either every event is
	// stored or none is. It returns a SequenceConflictError when
	// expectedSequence does not match the instance's current tail.
	//
	// Sequence, WorkflowType and InstanceID on the given events are set by
	// the log; any caller-supplied values are ignored.
	Append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []Event) (SequenceRange, error)

	// Read returns up to limit events with Sequence > fromSequence in
	// sequence order. Appended events are immediately visible to Read
	// (read-your-writes). A short or empty result means the tail was
	// reached; callers page by reissuing with a new fromSequence.
	Read(ctx context.Context, workflowType string, instanceID uuid.UUID, fromSequence uint64, limit int) ([]Event, error)

	// ReadAll returns events of every instance of a workflow type in the
	// order the log stored them, for consumers that tail the whole type
	// (projections). fromOrdinal is the position returned by the previous
	// call; zero starts from the beginning. The returned ordinal is the
	// position to resume from.
	ReadAll(ctx context.Context, workflowType string, fromOrdinal uint64, limit int) ([]Event, uint64, error)

	// Tail returns the highest assigned sequence for the instance, or zero
	// when the instance has no events.
	Tail(ctx context.Context, workflowType string, instanceID uuid.UUID) (uint64, error)
}

// OutboxAppender is an optional upgrade interface for EventLog
// implementations that also persist the outbox: it couples the append and
// the publish-intent in one atomic write, closing the crash window between
// separate Append and OutboxStore.Add calls. The engine uses it whenever the
// log implements it.
type OutboxAppender interface {
	AppendWithOutbox(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []Event, entries []OutboxEntry) (SequenceRange, error)
}

// SnapshotStore persists periodic state checkpoints. Losing a snapshot never
// loses data, it only increases replay cost.
type SnapshotStore interface {
	Put(ctx context.Context, snap Snapshot) error

	// Latest returns the most recent snapshot with Sequence <= maxSequence,
	// or nil when none exists. maxSequence of zero means "no bound".
	Latest(ctx context.Context, workflowType string, instanceID uuid.UUID, maxSequence uint64) (*Snapshot, error)

	// Prune removes snapshots with Sequence < keepFrom.
	Prune(ctx context.Context, workflowType string, instanceID uuid.UUID, keepFrom uint64) error
}

// Handler consumes one delivered event. Returning an error signals the
// transport to redeliver.
type Handler func(ctx context.Context, ev Event) error

// Subscription is an active topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery. It is idempotent.
	Unsubscribe() error
}

// Transport is the pub/sub port. Delivery is at-least-once and carries no
// ordering guarantee; ordering is re-established per instance by the
// executor's idempotency check, never assumed from the transport.
type Transport interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// EffectInvoker executes one declared side effect. Implementations are
// arbitrary external collaborators (HTTP calls, database writes, other
// services). The scheduler enforces the per-effect timeout through ctx.
type EffectInvoker interface {
	Invoke(ctx context.Context, effect string, input json.RawMessage) (json.RawMessage, error)
}

// EffectInvokerFunc adapts a function to the EffectInvoker interface.
type EffectInvokerFunc func(ctx context.Context, effect string, input json.RawMessage) (json.RawMessage, error)

func (f EffectInvokerFunc) Invoke(ctx context.Context, effect string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, effect, input)
}

// OutboxEntry couples a durably appended event with its pending publication.
// Entries exist only between append and confirmed publish.
type OutboxEntry struct {
	EventID   uuid.UUID
	Topic     string
	Attempts  int
	CreatedAt time.Time
}

// OutboxStore persists pending publications so that no durably appended
// event is lost before reaching the transport. Duplicate publication is
// safe; losing a publish is not.
type OutboxStore interface {
	// Add records entries for freshly appended events. Implementations
	// backed by the same database as the event log should persist entries
	// in the same transaction scope as the append.
	Add(ctx context.Context, entries []OutboxEntry, events []Event) error

	// Pending returns up to limit unpublished events with their topics,
	// oldest first.
	Pending(ctx context.Context, limit int) ([]OutboxEntry, []Event, error)

	// MarkPublished removes the entry for the event. Idempotent.
	MarkPublished(ctx context.Context, eventID uuid.UUID) error
}

// CursorStore persists a projection's durable position per workflow type.
type CursorStore interface {
	Get(ctx context.Context, projection, workflowType string) (uint64, error)
	Set(ctx context.Context, projection, workflowType string, ordinal uint64) error
}
