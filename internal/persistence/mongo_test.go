package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stato/internal/testutil"
	"github.com/petrijr/stato/pkg/api"
)

type MongoStoreTestSuite struct {
	suite.Suite
	ctx   context.Context
	db    *mongo.Database
	store *MongoStore
}

func TestMongoStoreSuite(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping failed: %v", err)
	}

	db := client.Database("stato_test")
	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("init mongo store: %v", err)
	}

	ts := new(MongoStoreTestSuite)
	ts.ctx = ctx
	ts.db = db
	ts.store = store
	suite.Run(t, ts)
}

func (s *MongoStoreTestSuite) SetupTest() {
	// Empty the collections rather than dropping them, so the unique
	// indexes created by NewMongoStore stay in place.
	for _, name := range []string{"events", "snapshots", "outbox", "cursors", "counters"} {
		_, err := s.db.Collection(name).DeleteMany(s.ctx, bson.M{})
		s.Require().NoError(err, "clear collection %s", name)
	}
}

func (s *MongoStoreTestSuite) TestAppendAssignsContiguousSequences() {
	id := uuid.New()

	rng, err := s.store.Append(s.ctx, "order", id, 0, newEvents("a", "b"))
	s.Require().NoError(err)
	s.Equal(uint64(1), rng.From)
	s.Equal(uint64(2), rng.To)

	rng, err = s.store.Append(s.ctx, "order", id, 2, newEvents("c"))
	s.Require().NoError(err)
	s.Equal(uint64(3), rng.From)
	s.Equal(uint64(3), rng.To)

	tail, err := s.store.Tail(s.ctx, "order", id)
	s.Require().NoError(err)
	s.Equal(uint64(3), tail)

	events, err := s.store.Read(s.ctx, "order", id, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	for i, ev := range events {
		s.Equal(uint64(i+1), ev.Sequence)
		s.Equal("order", ev.WorkflowType)
		s.Equal(id, ev.InstanceID)
		s.Equal(api.KindDomain, ev.Kind)
		s.JSONEq(`{}`, string(ev.Payload))
	}
	s.Equal("a", events[0].Type)
	s.Equal("c", events[2].Type)
}

func (s *MongoStoreTestSuite) TestCausationRoundTrips() {
	id := uuid.New()
	trigger := newEvents("payment.received")[0]
	notice := newEvents("order.fulfilled")[0]
	notice.Kind = api.KindNotice
	notice.CausationID = &trigger.ID
	notice.CorrelationID = trigger.CorrelationID

	_, err := s.store.Append(s.ctx, "order", id, 0, []api.Event{trigger, notice})
	s.Require().NoError(err)

	events, err := s.store.Read(s.ctx, "order", id, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Nil(events[0].CausationID)
	s.Require().NotNil(events[1].CausationID)
	s.Equal(trigger.ID, *events[1].CausationID)
	s.Equal(api.KindNotice, events[1].Kind)
}

func (s *MongoStoreTestSuite) TestAppendStaleExpectedSequenceConflicts() {
	id := uuid.New()

	_, err := s.store.Append(s.ctx, "order", id, 0, newEvents("a"))
	s.Require().NoError(err)

	_, err = s.store.Append(s.ctx, "order", id, 0, newEvents("b"))
	var conflict *api.SequenceConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(uint64(0), conflict.Expected)
	s.Equal(uint64(1), conflict.Actual)

	tail, err := s.store.Tail(s.ctx, "order", id)
	s.Require().NoError(err)
	s.Equal(uint64(1), tail)
}

func (s *MongoStoreTestSuite) TestDuplicateInsertMapsToSequenceConflict() {
	id := uuid.New()
	first := newEvents("a")
	_, err := s.store.Append(s.ctx, "order", id, 0, first)
	s.Require().NoError(err)

	// A redelivered event that slipped past dedup reuses its event id; the
	// duplicate key surfaces as a sequence conflict so callers reload and
	// retry instead of failing on a driver error.
	dup := newEvents("b")
	dup[0].ID = first[0].ID
	_, err = s.store.Append(s.ctx, "order", id, 1, dup)
	s.Require().Error(err)
	s.True(api.IsSequenceConflict(err), "expected sequence conflict, got %v", err)
}

func (s *MongoStoreTestSuite) TestReadAllSpansInstances() {
	a, b := uuid.New(), uuid.New()
	_, err := s.store.Append(s.ctx, "order", a, 0, newEvents("a1", "a2"))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, "order", b, 0, newEvents("b1"))
	s.Require().NoError(err)

	events, next, err := s.store.ReadAll(s.ctx, "order", 0, 2)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("a1", events[0].Type)
	s.Equal("a2", events[1].Type)

	events, next, err = s.store.ReadAll(s.ctx, "order", next, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("b1", events[0].Type)
	s.Equal(b, events[0].InstanceID)

	events, _, err = s.store.ReadAll(s.ctx, "order", next, 0)
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *MongoStoreTestSuite) TestSnapshotWriteOnceAndLatest() {
	id := uuid.New()
	for _, seq := range []uint64{2, 5} {
		err := s.store.Put(s.ctx, api.Snapshot{
			WorkflowType: "order",
			InstanceID:   id,
			Sequence:     seq,
			State:        api.NewStateSet("charging"),
			Data:         []byte(`{"paid":true}`),
			CreatedAt:    time.Now().UTC(),
		})
		s.Require().NoError(err)
	}

	// Re-putting an existing checkpoint is a no-op, not an error.
	s.Require().NoError(s.store.Put(s.ctx, api.Snapshot{
		WorkflowType: "order",
		InstanceID:   id,
		Sequence:     5,
		State:        api.NewStateSet("other"),
		CreatedAt:    time.Now().UTC(),
	}))

	snap, err := s.store.Latest(s.ctx, "order", id, 0)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal(uint64(5), snap.Sequence)
	s.True(snap.State.Contains("charging"))
	s.JSONEq(`{"paid":true}`, string(snap.Data))

	snap, err = s.store.Latest(s.ctx, "order", id, 4)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal(uint64(2), snap.Sequence)

	s.Require().NoError(s.store.Prune(s.ctx, "order", id, 5))
	snap, err = s.store.Latest(s.ctx, "order", id, 4)
	s.Require().NoError(err)
	s.Nil(snap)

	snap, err = s.store.Latest(s.ctx, "order", uuid.New(), 0)
	s.Require().NoError(err)
	s.Nil(snap)
}

func (s *MongoStoreTestSuite) TestOutboxLifecycle() {
	id := uuid.New()
	events := newEvents("a", "b")
	_, err := s.store.Append(s.ctx, "order", id, 0, events)
	s.Require().NoError(err)

	entries := []api.OutboxEntry{
		{EventID: events[0].ID, Topic: "stato.order", CreatedAt: time.Now().UTC()},
		{EventID: events[1].ID, Topic: "stato.order", CreatedAt: time.Now().UTC().Add(time.Millisecond)},
	}
	s.Require().NoError(s.store.Add(s.ctx, entries, events))
	// Re-adding the same entries is a no-op.
	s.Require().NoError(s.store.Add(s.ctx, entries, events))

	got, gotEvents, err := s.store.Pending(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Require().Len(gotEvents, 1)
	s.Equal(events[0].ID, got[0].EventID)
	s.Equal("stato.order", got[0].Topic)
	s.Equal(1, got[0].Attempts)
	s.Equal("a", gotEvents[0].Type)

	s.Require().NoError(s.store.MarkPublished(s.ctx, events[0].ID))
	s.Require().NoError(s.store.MarkPublished(s.ctx, events[0].ID))

	got, _, err = s.store.Pending(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(events[1].ID, got[0].EventID)

	s.Require().NoError(s.store.MarkPublished(s.ctx, events[1].ID))
	got, _, err = s.store.Pending(s.ctx, 0)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *MongoStoreTestSuite) TestCursors() {
	ordinal, err := s.store.Get(s.ctx, "orders_by_state", "order")
	s.Require().NoError(err)
	s.Equal(uint64(0), ordinal)

	s.Require().NoError(s.store.Set(s.ctx, "orders_by_state", "order", 7))
	s.Require().NoError(s.store.Set(s.ctx, "orders_by_state", "payment", 3))

	ordinal, err = s.store.Get(s.ctx, "orders_by_state", "order")
	s.Require().NoError(err)
	s.Equal(uint64(7), ordinal)

	s.Require().NoError(s.store.Set(s.ctx, "orders_by_state", "order", 9))
	ordinal, err = s.store.Get(s.ctx, "orders_by_state", "order")
	s.Require().NoError(err)
	s.Equal(uint64(9), ordinal)

	ordinal, err = s.store.Get(s.ctx, "orders_by_state", "payment")
	s.Require().NoError(err)
	s.Equal(uint64(3), ordinal)
}
