package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
)

func newEvents(types ...string) []api.Event {
	events := make([]api.Event, len(types))
	for i, typ := range types {
		events[i] = api.Event{
			ID:      uuid.New(),
			Type:    typ,
			Kind:    api.KindDomain,
			Payload: json.RawMessage(`{}`),
		}
	}
	return events
}

// --- Event log tests ---

func TestMemoryStore_AppendAssignsContiguousSequences(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	rng, err := store.Append(ctx, "order", id, 0, newEvents("a", "b"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if rng.From != 1 || rng.To != 2 {
		t.Fatalf("unexpected range: %+v", rng)
	}

	rng, err = store.Append(ctx, "order", id, 2, newEvents("c"))
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if rng.From != 3 || rng.To != 3 {
		t.Fatalf("unexpected range: %+v", rng)
	}

	tail, err := store.Tail(ctx, "order", id)
	if err != nil || tail != 3 {
		t.Fatalf("expected tail 3, got %d (%v)", tail, err)
	}
}

func TestMemoryStore_AppendConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	if _, err := store.Append(ctx, "order", id, 0, newEvents("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	_, err := store.Append(ctx, "order", id, 0, newEvents("b"))
	var conflict *api.SequenceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SequenceConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}

	// A losing append must leave nothing behind.
	if tail, _ := store.Tail(ctx, "order", id); tail != 1 {
		t.Fatalf("conflicting append leaked events, tail=%d", tail)
	}
}

func TestMemoryStore_ReadPages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	if _, err := store.Append(ctx, "order", id, 0, newEvents("a", "b", "c", "d")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	page, err := store.Read(ctx, "order", id, 0, 3)
	if err != nil || len(page) != 3 {
		t.Fatalf("expected 3 events, got %d (%v)", len(page), err)
	}
	if page[0].Sequence != 1 || page[2].Sequence != 3 {
		t.Fatalf("unexpected sequences: %d..%d", page[0].Sequence, page[2].Sequence)
	}

	page, err = store.Read(ctx, "order", id, 3, 3)
	if err != nil || len(page) != 1 || page[0].Type != "d" {
		t.Fatalf("unexpected second page: %v (%v)", page, err)
	}

	page, err = store.Read(ctx, "order", id, 4, 3)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty page past the tail, got %v", page)
	}
}

func TestMemoryStore_ReadAllSpansInstances(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	if _, err := store.Append(ctx, "order", first, 0, newEvents("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.Append(ctx, "order", second, 0, newEvents("b")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.Append(ctx, "order", first, 1, newEvents("c")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, next, err := store.ReadAll(ctx, "order", 0, 2)
	if err != nil || len(events) != 2 || next != 2 {
		t.Fatalf("unexpected first page: %d events, next=%d (%v)", len(events), next, err)
	}
	if events[0].Type != "a" || events[1].Type != "b" {
		t.Fatalf("store order not preserved: %s, %s", events[0].Type, events[1].Type)
	}

	events, next, err = store.ReadAll(ctx, "order", next, 2)
	if err != nil || len(events) != 1 || events[0].Type != "c" || next != 3 {
		t.Fatalf("unexpected second page: %v next=%d (%v)", events, next, err)
	}

	// Resuming at the tail returns nothing and keeps the ordinal.
	events, next, err = store.ReadAll(ctx, "order", next, 2)
	if err != nil || len(events) != 0 || next != 3 {
		t.Fatalf("expected empty tail page, got %v next=%d", events, next)
	}
}

// --- Snapshot tests ---

func TestMemoryStore_SnapshotLatestAndPrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	for _, seq := range []uint64{2, 5, 8} {
		err := store.Put(ctx, api.Snapshot{
			WorkflowType: "order",
			InstanceID:   id,
			Sequence:     seq,
			State:        api.NewStateSet("s"),
		})
		if err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	snap, err := store.Latest(ctx, "order", id, 0)
	if err != nil || snap == nil || snap.Sequence != 8 {
		t.Fatalf("expected latest sequence 8, got %v (%v)", snap, err)
	}

	snap, err = store.Latest(ctx, "order", id, 6)
	if err != nil || snap == nil || snap.Sequence != 5 {
		t.Fatalf("expected bounded sequence 5, got %v (%v)", snap, err)
	}

	if err := store.Prune(ctx, "order", id, 8); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if snap, _ := store.Latest(ctx, "order", id, 6); snap != nil {
		t.Fatalf("prune kept an old snapshot: %+v", snap)
	}
	if snap, _ := store.Latest(ctx, "order", id, 0); snap == nil || snap.Sequence != 8 {
		t.Fatalf("prune removed the keep-from snapshot")
	}
}

func TestMemoryStore_LatestUnknownInstance(t *testing.T) {
	store := NewMemoryStore()
	snap, err := store.Latest(context.Background(), "order", uuid.New(), 0)
	if err != nil || snap != nil {
		t.Fatalf("expected nil snapshot, got %v (%v)", snap, err)
	}
}

// --- Outbox tests ---

func TestMemoryStore_OutboxLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	events := newEvents("a", "b")
	entries := []api.OutboxEntry{
		{EventID: events[0].ID, Topic: "stato.order"},
		{EventID: events[1].ID, Topic: "stato.order"},
	}
	if err := store.Add(ctx, entries, events); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	got, gotEvents, err := store.Pending(ctx, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 pending entry, got %d (%v)", len(got), err)
	}
	if got[0].EventID != events[0].ID || gotEvents[0].Type != "a" {
		t.Fatalf("pending should be oldest first: %+v", got[0])
	}
	if got[0].Attempts != 1 {
		t.Fatalf("Pending should count the attempt, got %d", got[0].Attempts)
	}

	if err := store.MarkPublished(ctx, events[0].ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// Idempotent.
	if err := store.MarkPublished(ctx, events[0].ID); err != nil {
		t.Fatalf("repeated mark failed: %v", err)
	}

	got, _, err = store.Pending(ctx, 10)
	if err != nil || len(got) != 1 || got[0].EventID != events[1].ID {
		t.Fatalf("unexpected remaining outbox: %+v (%v)", got, err)
	}
}

func TestMemoryStore_AppendWithOutboxIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	events := newEvents("a")
	entries := []api.OutboxEntry{{EventID: events[0].ID, Topic: "stato.order"}}

	// A sequence conflict must not leave outbox entries behind.
	if _, err := store.AppendWithOutbox(ctx, "order", id, 5, events, entries); err == nil {
		t.Fatalf("expected conflict")
	}
	if pending, _, _ := store.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("conflicting append leaked outbox entries: %+v", pending)
	}

	if _, err := store.AppendWithOutbox(ctx, "order", id, 0, events, entries); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	pending, pendingEvents, err := store.Pending(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d (%v)", len(pending), err)
	}
	if pendingEvents[0].Sequence != 1 {
		t.Fatalf("outbox should hold the sequenced event, got %d", pendingEvents[0].Sequence)
	}
}

// --- Cursor tests ---

func TestMemoryStore_Cursors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.Get(ctx, "proj", "order")
	if err != nil || got != 0 {
		t.Fatalf("expected zero cursor, got %d (%v)", got, err)
	}

	if err := store.Set(ctx, "proj", "order", 42); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := store.Get(ctx, "proj", "order"); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	// Cursors are scoped per projection and per workflow type.
	if got, _ := store.Get(ctx, "other", "order"); got != 0 {
		t.Fatalf("cursor leaked across projections: %d", got)
	}
	if got, _ := store.Get(ctx, "proj", "shipment"); got != 0 {
		t.Fatalf("cursor leaked across workflow types: %d", got)
	}
}
