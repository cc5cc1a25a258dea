package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stato/pkg/api"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stato_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}
	return store
}

func TestSQLiteStore_AppendReadTail(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id := uuid.New()

	rng, err := store.Append(ctx, "order", id, 0, newEvents("a", "b"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if rng.From != 1 || rng.To != 2 {
		t.Fatalf("unexpected range: %+v", rng)
	}
	if _, err := store.Append(ctx, "order", id, 2, newEvents("c")); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	tail, err := store.Tail(ctx, "order", id)
	if err != nil || tail != 3 {
		t.Fatalf("expected tail 3, got %d (%v)", tail, err)
	}

	events, err := store.Read(ctx, "order", id, 1, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 || events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("unexpected events after 1: %+v", events)
	}
}

func TestSQLiteStore_AppendStaleExpectedConflicts(t *testing.T) {
	store := newSQLiteStore(t)
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
	if tail, _ := store.Tail(ctx, "order", id); tail != 1 {
		t.Fatalf("conflicting append leaked events, tail=%d", tail)
	}
}

func TestSQLiteStore_DuplicateInsertMapsToSequenceConflict(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id := uuid.New()

	first := newEvents("a")
	if _, err := store.Append(ctx, "order", id, 0, first); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// A duplicate that passes the in-transaction tail check still trips the
	// unique constraint at insert; the error must come back as a sequence
	// conflict so the engine reloads and retries instead of failing hard.
	dup := newEvents("b")
	dup[0].ID = first[0].ID
	_, err := store.Append(ctx, "order", id, 1, dup)
	if err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if !api.IsSequenceConflict(err) {
		t.Fatalf("expected sequence conflict, got %v", err)
	}
	var conflict *api.SequenceConflictError
	if !errors.As(err, &conflict) || conflict.WorkflowType != "order" || conflict.InstanceID != id {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}
	if tail, _ := store.Tail(ctx, "order", id); tail != 1 {
		t.Fatalf("failed append leaked events, tail=%d", tail)
	}
}

func TestSQLiteStore_AppendWithOutboxLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id := uuid.New()

	events := newEvents("a", "b")
	entries := []api.OutboxEntry{
		{EventID: events[0].ID, Topic: "stato.order", CreatedAt: time.Now().UTC()},
		{EventID: events[1].ID, Topic: "stato.order", CreatedAt: time.Now().UTC().Add(time.Millisecond)},
	}
	if _, err := store.AppendWithOutbox(ctx, "order", id, 0, events, entries); err != nil {
		t.Fatalf("append with outbox failed: %v", err)
	}

	got, gotEvents, err := store.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(got) != 1 || got[0].EventID != events[0].ID || got[0].Attempts != 0 {
		t.Fatalf("unexpected pending entries: %+v", got)
	}
	if len(gotEvents) != 1 || gotEvents[0].Type != "a" {
		t.Fatalf("unexpected pending events: %+v", gotEvents)
	}

	if err := store.MarkPublished(ctx, events[0].ID); err != nil {
		t.Fatalf("mark published failed: %v", err)
	}
	got, _, err = store.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(got) != 1 || got[0].EventID != events[1].ID {
		t.Fatalf("unexpected remaining entries: %+v", got)
	}
}

func TestSQLiteStore_ConflictingAppendLeaksNoOutboxEntries(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id := uuid.New()

	if _, err := store.Append(ctx, "order", id, 0, newEvents("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events := newEvents("b")
	entries := []api.OutboxEntry{{EventID: events[0].ID, Topic: "stato.order", CreatedAt: time.Now().UTC()}}
	if _, err := store.AppendWithOutbox(ctx, "order", id, 0, events, entries); !api.IsSequenceConflict(err) {
		t.Fatalf("expected sequence conflict, got %v", err)
	}

	got, _, err := store.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("conflicting append leaked outbox entries: %+v", got)
	}
}

func TestSQLiteStore_SnapshotWriteOnceAndPrune(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id := uuid.New()

	for _, seq := range []uint64{2, 5} {
		err := store.Put(ctx, api.Snapshot{
			WorkflowType: "order",
			InstanceID:   id,
			Sequence:     seq,
			State:        api.NewStateSet("charging"),
			Data:         []byte(`{"paid":true}`),
			CreatedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("put snapshot %d failed: %v", seq, err)
		}
	}
	// Re-putting an existing checkpoint is a no-op.
	if err := store.Put(ctx, api.Snapshot{
		WorkflowType: "order", InstanceID: id, Sequence: 5,
		State: api.NewStateSet("other"), CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("duplicate put failed: %v", err)
	}

	snap, err := store.Latest(ctx, "order", id, 0)
	if err != nil || snap == nil || snap.Sequence != 5 || !snap.State.Contains("charging") {
		t.Fatalf("unexpected latest snapshot: %+v (%v)", snap, err)
	}
	snap, err = store.Latest(ctx, "order", id, 4)
	if err != nil || snap == nil || snap.Sequence != 2 {
		t.Fatalf("unexpected bounded snapshot: %+v (%v)", snap, err)
	}

	if err := store.Prune(ctx, "order", id, 5); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	snap, err = store.Latest(ctx, "order", id, 4)
	if err != nil || snap != nil {
		t.Fatalf("expected pruned snapshot gone, got %+v (%v)", snap, err)
	}
}

func TestSQLiteStore_Cursors(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	ordinal, err := store.Get(ctx, "orders_by_state", "order")
	if err != nil || ordinal != 0 {
		t.Fatalf("expected zero cursor, got %d (%v)", ordinal, err)
	}
	if err := store.Set(ctx, "orders_by_state", "order", 7); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "orders_by_state", "order", 9); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	ordinal, err = store.Get(ctx, "orders_by_state", "order")
	if err != nil || ordinal != 9 {
		t.Fatalf("expected cursor 9, got %d (%v)", ordinal, err)
	}
}
