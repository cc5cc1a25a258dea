// Package stato provides an embeddable, event-sourced workflow engine for Go.
//
// Stato executes declarative state machines over durable event logs. Every
// change to a workflow instance is an immutable event; current state is a
// fold over the instance's event history, so any instance can be rebuilt
// from its log (optionally starting from a snapshot).
//
// # Core Concepts
//
// The Stato programming model is intentionally small:
//
//  1. Engine
//  2. Specification
//  3. Event
//  4. Effect
//  5. Projection
//
// # Engine
//
// The Engine routes events to workflow instances, applies transitions, and
// durably appends the results. Processing is serialized per instance and
// parallel across instances. Engines can be backed by different storage
// systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - MongoDB
//
// An optional transport (in-process or Redis Pub/Sub) publishes appended
// events through a durable outbox and feeds external events back in.
//
// # Specification
//
// Workflows are declared in YAML documents: states (flat, hierarchical or
// parallel), transitions triggered by event types, guard conditions, pure
// data computes, and side effects. Documents are parsed with pkg/spec,
// bound to Go functions through a Registry, and compiled into an immutable
// transition table before registration:
//
//	doc, _ := spec.Parse(file)
//	reg := spec.NewRegistry().
//	    Guard("paid", isPaid).
//	    Compute("total", addTotal).
//	    Effect("charge", charger)
//	cs, _ := spec.Compile(doc, reg)
//	eng.RegisterSpec(cs)
//
// # Event
//
// Events are the only way state changes. Fresh events run a transition and
// are appended with a log-assigned sequence; redelivered events deduplicate
// against the instance's applied sequence, which makes processing idempotent
// under at-least-once delivery.
//
// # Effect
//
// Effects are asynchronous side effects declared on transitions. They run
// outside the instance's processing slot with timeouts, bounded retries and
// exponential backoff; their outcomes re-enter the engine as ordinary events
// ("<effect>.completed" / "<effect>.failed"), so replay never re-executes
// them.
//
// # Projection
//
// Projections derive read models by tailing a workflow type's event stream
// from a durable cursor. They are rebuildable at any time and never a source
// of truth.
//
// For examples, see the /examples directory or the project README.
package stato
