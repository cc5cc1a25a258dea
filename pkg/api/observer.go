package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging, metrics and
// tracing.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay event processing.
type Observer interface {
	// OnEventApplied is called after an event has been durably appended and
	// applied to the instance.
	OnEventApplied(ctx context.Context, inst *Instance, ev Event)

	// OnEventDiscarded is called when a redelivered event is recognized as a
	// duplicate (sequence already applied) and dropped. Not an error.
	OnEventDiscarded(ctx context.Context, inst *Instance, ev Event)

	// OnTransitionRejected is called when no transition matched the event.
	// policy is the unhandled-event policy that was applied.
	OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error)

	// OnEffectStart is called before each effect invocation attempt.
	OnEffectStart(ctx context.Context, inst *Instance, effect string, attempt int)

	// OnEffectCompleted is called after each effect invocation attempt,
	// for both successes and failures (err != nil).
	OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, duration time.Duration)

	// OnInstanceSuspended is called when an instance is flagged for operator
	// attention: an effect exhausted its retries, or the suspend policy ran.
	OnInstanceSuspended(ctx context.Context, inst *Instance, reason string)

	// OnSnapshot is called after a snapshot write attempt. Snapshot writes
	// are best-effort; err is reported but never fails the write path.
	OnSnapshot(ctx context.Context, snap Snapshot, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEventApplied(ctx context.Context, inst *Instance, ev Event)   {}
func (NoopObserver) OnEventDiscarded(ctx context.Context, inst *Instance, ev Event) {}
func (NoopObserver) OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error) {
}
func (NoopObserver) OnEffectStart(ctx context.Context, inst *Instance, effect string, attempt int) {}
func (NoopObserver) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {}
func (NoopObserver) OnSnapshot(ctx context.Context, snap Snapshot, err error)               {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEventApplied(ctx context.Context, inst *Instance, ev Event) {
	for _, o := range c.observers {
		o.OnEventApplied(ctx, inst, ev)
	}
}

func (c *CompositeObserver) OnEventDiscarded(ctx context.Context, inst *Instance, ev Event) {
	for _, o := range c.observers {
		o.OnEventDiscarded(ctx, inst, ev)
	}
}

func (c *CompositeObserver) OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error) {
	for _, o := range c.observers {
		o.OnTransitionRejected(ctx, inst, ev, policy, err)
	}
}

func (c *CompositeObserver) OnEffectStart(ctx context.Context, inst *Instance, effect string, attempt int) {
	for _, o := range c.observers {
		o.OnEffectStart(ctx, inst, effect, attempt)
	}
}

func (c *CompositeObserver) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnEffectCompleted(ctx, inst, effect, attempt, err, d)
	}
}

func (c *CompositeObserver) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {
	for _, o := range c.observers {
		o.OnInstanceSuspended(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnSnapshot(ctx context.Context, snap Snapshot, err error) {
	for _, o := range c.observers {
		o.OnSnapshot(ctx, snap, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEventApplied(ctx context.Context, inst *Instance, ev Event) {
	o.Logger.InfoContext(ctx, "event_applied",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("event_type", ev.Type),
		slog.Uint64("sequence", ev.Sequence),
		slog.String("state", inst.State.String()),
	)
}

func (o *LoggingObserver) OnEventDiscarded(ctx context.Context, inst *Instance, ev Event) {
	// Duplicates are an expected consequence of at-least-once delivery.
	o.Logger.DebugContext(ctx, "duplicate_event_discarded",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("event_type", ev.Type),
		slog.Uint64("sequence", ev.Sequence),
		slog.Uint64("applied_sequence", inst.Sequence),
	)
}

func (o *LoggingObserver) OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error) {
	o.Logger.WarnContext(ctx, "transition_rejected",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("event_type", ev.Type),
		slog.String("state", inst.State.String()),
		slog.String("policy", policy),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEffectStart(ctx context.Context, inst *Instance, effect string, attempt int) {
	o.Logger.DebugContext(ctx, "effect_start",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("effect", effect),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "effect_completed",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("effect", effect),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {
	o.Logger.ErrorContext(ctx, "instance_suspended",
		slog.String("workflow_type", inst.WorkflowType),
		slog.String("instance_id", inst.InstanceID.String()),
		slog.String("state", inst.State.String()),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnSnapshot(ctx context.Context, snap Snapshot, err error) {
	if err != nil {
		o.Logger.WarnContext(ctx, "snapshot_failed",
			slog.String("workflow_type", snap.WorkflowType),
			slog.String("instance_id", snap.InstanceID.String()),
			slog.Uint64("sequence", snap.Sequence),
			slog.Any("error", err),
		)
		return
	}
	o.Logger.DebugContext(ctx, "snapshot_taken",
		slog.String("workflow_type", snap.WorkflowType),
		slog.String("instance_id", snap.InstanceID.String()),
		slog.Uint64("sequence", snap.Sequence),
	)
}

// BasicMetrics collects simple counters and aggregate effect durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	eventsApplied       atomic.Int64
	duplicatesDiscarded atomic.Int64
	transitionsRejected atomic.Int64
	effectsCompleted    atomic.Int64
	effectsFailed       atomic.Int64
	suspensions         atomic.Int64
	totalEffectDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EventsApplied       int64
	DuplicatesDiscarded int64
	TransitionsRejected int64
	EffectsCompleted    int64
	EffectsFailed       int64
	Suspensions         int64
	AvgEffectDuration   time.Duration
}

func (m *BasicMetrics) OnEventApplied(ctx context.Context, inst *Instance, ev Event) {
	m.eventsApplied.Add(1)
}

func (m *BasicMetrics) OnEventDiscarded(ctx context.Context, inst *Instance, ev Event) {
	m.duplicatesDiscarded.Add(1)
}

func (m *BasicMetrics) OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error) {
	m.transitionsRejected.Add(1)
}

func (m *BasicMetrics) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
	if err != nil {
		m.effectsFailed.Add(1)
		return
	}
	m.effectsCompleted.Add(1)
	m.totalEffectDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {
	m.suspensions.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.effectsCompleted.Load()
	totalNs := m.totalEffectDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		EventsApplied:       m.eventsApplied.Load(),
		DuplicatesDiscarded: m.duplicatesDiscarded.Load(),
		TransitionsRejected: m.transitionsRejected.Load(),
		EffectsCompleted:    completed,
		EffectsFailed:       m.effectsFailed.Load(),
		Suspensions:         m.suspensions.Load(),
		AvgEffectDuration:   avg,
	}
}
