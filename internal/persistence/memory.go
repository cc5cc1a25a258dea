// Package persistence provides the storage implementations of the engine's
// ports: an in-memory store for tests and embedding, SQLite and Postgres
// stores over database/sql, and a MongoDB store.
package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
)

type instanceKey struct {
	workflowType string
	instanceID   uuid.UUID
}

type cursorKey struct {
	projection   string
	workflowType string
}

// MemoryStore is a goroutine-safe in-memory implementation of every storage
// port: event log (with atomic outbox append), snapshot store, outbox store
// and cursor store. It honors the same sequencing contract as the durable
// stores, so engine behavior is identical across backends.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[instanceKey][]api.Event
	streams   map[string][]api.Event // workflow type -> append order
	snapshots map[instanceKey][]api.Snapshot
	outbox    []outboxRecord
	cursors   map[cursorKey]uint64
}

type outboxRecord struct {
	entry api.OutboxEntry
	event api.Event
}

// Ensure MemoryStore implements the ports.
var _ api.EventLog = (*MemoryStore)(nil)

var _ api.OutboxAppender = (*MemoryStore)(nil)

var _ api.SnapshotStore = (*MemoryStore)(nil)

var _ api.OutboxStore = (*MemoryStore)(nil)

var _ api.CursorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[instanceKey][]api.Event),
		streams:   make(map[string][]api.Event),
		snapshots: make(map[instanceKey][]api.Snapshot),
		cursors:   make(map[cursorKey]uint64),
	}
}

func (s *MemoryStore) Append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event) (api.SequenceRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(workflowType, instanceID, expectedSequence, events)
}

func (s *MemoryStore) AppendWithOutbox(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event, entries []api.OutboxEntry) (api.SequenceRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng, err := s.appendLocked(workflowType, instanceID, expectedSequence, events)
	if err != nil {
		return rng, err
	}
	for i, entry := range entries {
		s.outbox = append(s.outbox, outboxRecord{entry: entry, event: events[i]})
	}
	return rng, nil
}

func (s *MemoryStore) appendLocked(workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event) (api.SequenceRange, error) {
	key := instanceKey{workflowType: workflowType, instanceID: instanceID}
	tail := uint64(len(s.events[key]))
	if tail != expectedSequence {
		return api.SequenceRange{}, &api.SequenceConflictError{
			WorkflowType: workflowType,
			InstanceID:   instanceID,
			Expected:     expectedSequence,
			Actual:       tail,
		}
	}

	for i := range events {
		events[i].WorkflowType = workflowType
		events[i].InstanceID = instanceID
		events[i].Sequence = tail + uint64(i) + 1
		if events[i].At.IsZero() {
			events[i].At = time.Now().UTC()
		}
		s.events[key] = append(s.events[key], events[i])
		s.streams[workflowType] = append(s.streams[workflowType], events[i])
	}
	return api.SequenceRange{From: tail + 1, To: tail + uint64(len(events))}, nil
}

func (s *MemoryStore) Read(ctx context.Context, workflowType string, instanceID uuid.UUID, fromSequence uint64, limit int) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[instanceKey{workflowType: workflowType, instanceID: instanceID}]
	if fromSequence >= uint64(len(all)) {
		return nil, nil
	}
	rest := all[fromSequence:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return slices.Clone(rest), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, workflowType string, fromOrdinal uint64, limit int) ([]api.Event, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[workflowType]
	if fromOrdinal >= uint64(len(stream)) {
		return nil, fromOrdinal, nil
	}
	rest := stream[fromOrdinal:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return slices.Clone(rest), fromOrdinal + uint64(len(rest)), nil
}

func (s *MemoryStore) Tail(ctx context.Context, workflowType string, instanceID uuid.UUID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events[instanceKey{workflowType: workflowType, instanceID: instanceID}])), nil
}

func (s *MemoryStore) Put(ctx context.Context, snap api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceKey{workflowType: snap.WorkflowType, instanceID: snap.InstanceID}
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, workflowType string, instanceID uuid.UUID, maxSequence uint64) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *api.Snapshot
	for _, snap := range s.snapshots[instanceKey{workflowType: workflowType, instanceID: instanceID}] {
		if maxSequence > 0 && snap.Sequence > maxSequence {
			continue
		}
		if best == nil || snap.Sequence > best.Sequence {
			snap := snap
			best = &snap
		}
	}
	return best, nil
}

func (s *MemoryStore) Prune(ctx context.Context, workflowType string, instanceID uuid.UUID, keepFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceKey{workflowType: workflowType, instanceID: instanceID}
	kept := s.snapshots[key][:0]
	for _, snap := range s.snapshots[key] {
		if snap.Sequence >= keepFrom {
			kept = append(kept, snap)
		}
	}
	s.snapshots[key] = kept
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, entries []api.OutboxEntry, events []api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range entries {
		s.outbox = append(s.outbox, outboxRecord{entry: entry, event: events[i]})
	}
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]api.OutboxEntry, []api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	entries := make([]api.OutboxEntry, 0, n)
	events := make([]api.Event, 0, n)
	for i := 0; i < n; i++ {
		s.outbox[i].entry.Attempts++
		entries = append(entries, s.outbox[i].entry)
		events = append(events, s.outbox[i].event)
	}
	return entries, events, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbox = slices.DeleteFunc(s.outbox, func(r outboxRecord) bool {
		return r.entry.EventID == eventID
	})
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, projection, workflowType string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey{projection: projection, workflowType: workflowType}], nil
}

func (s *MemoryStore) Set(ctx context.Context, projection, workflowType string, ordinal uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey{projection: projection, workflowType: workflowType}] = ordinal
	return nil
}
