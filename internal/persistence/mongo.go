package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stato/pkg/api"
)

// MongoStore persists the event log, snapshots, outbox and cursors in
// MongoDB. The unique (workflow_type, instance_id, sequence) index is the
// cross-process arbiter for concurrent appends; a duplicate key maps to a
// sequence conflict.
//
// Appends use an ordered InsertMany with the trigger first, so a crash
// mid-append never leaves a sequence gap; multi-document transactions are
// not required.
type MongoStore struct {
	events    *mongo.Collection
	snapshots *mongo.Collection
	outbox    *mongo.Collection
	cursors   *mongo.Collection
	counters  *mongo.Collection
}

// Ensure MongoStore implements the ports.
var _ api.EventLog = (*MongoStore)(nil)

var _ api.SnapshotStore = (*MongoStore)(nil)

var _ api.OutboxStore = (*MongoStore)(nil)

var _ api.CursorStore = (*MongoStore)(nil)

type mongoEvent struct {
	EventID       string    `bson:"event_id"`
	WorkflowType  string    `bson:"workflow_type"`
	InstanceID    string    `bson:"instance_id"`
	Sequence      uint64    `bson:"sequence"`
	Ordinal       uint64    `bson:"ordinal"`
	Type          string    `bson:"type"`
	Kind          string    `bson:"kind"`
	Payload       []byte    `bson:"payload,omitempty"`
	CausationID   string    `bson:"causation_id,omitempty"`
	CorrelationID string    `bson:"correlation_id"`
	SpecVersion   string    `bson:"spec_version,omitempty"`
	At            time.Time `bson:"at"`
}

type mongoSnapshot struct {
	WorkflowType string    `bson:"workflow_type"`
	InstanceID   string    `bson:"instance_id"`
	Sequence     uint64    `bson:"sequence"`
	State        []string  `bson:"state"`
	Data         []byte    `bson:"data,omitempty"`
	SpecVersion  string    `bson:"spec_version,omitempty"`
	Suspended    bool      `bson:"suspended,omitempty"`
	Terminal     bool      `bson:"terminal,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

type mongoOutboxEntry struct {
	EventID   string    `bson:"event_id"`
	Topic     string    `bson:"topic"`
	Attempts  int       `bson:"attempts"`
	CreatedAt time.Time `bson:"created_at"`
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		events:    db.Collection("events"),
		snapshots: db.Collection("snapshots"),
		outbox:    db.Collection("outbox"),
		cursors:   db.Collection("cursors"),
		counters:  db.Collection("counters"),
	}
	if err := s.initIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) initIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "workflow_type", Value: 1}, {Key: "instance_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "workflow_type", Value: 1}, {Key: "ordinal", Value: 1}},
		},
	})
	if err != nil {
		return err
	}
	_, err = s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_type", Value: 1}, {Key: "instance_id", Value: 1}, {Key: "sequence", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.cursors.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "projection", Value: 1}, {Key: "workflow_type", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// nextOrdinals atomically allocates n contiguous stream positions for a
// workflow type.
func (s *MongoStore) nextOrdinals(ctx context.Context, workflowType string, n int) (uint64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "ordinal:" + workflowType},
		bson.M{"$inc": bson.M{"value": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return uint64(doc.Value) - uint64(n) + 1, nil
}

func (s *MongoStore) Append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event) (api.SequenceRange, error) {
	tail, err := s.Tail(ctx, workflowType, instanceID)
	if err != nil {
		return api.SequenceRange{}, err
	}
	if tail != expectedSequence {
		return api.SequenceRange{}, &api.SequenceConflictError{
			WorkflowType: workflowType,
			InstanceID:   instanceID,
			Expected:     expectedSequence,
			Actual:       tail,
		}
	}

	ordinal, err := s.nextOrdinals(ctx, workflowType, len(events))
	if err != nil {
		return api.SequenceRange{}, err
	}

	docs := make([]any, len(events))
	for i := range events {
		events[i].WorkflowType = workflowType
		events[i].InstanceID = instanceID
		events[i].Sequence = tail + uint64(i) + 1
		if events[i].At.IsZero() {
			events[i].At = time.Now().UTC()
		}

		doc := mongoEvent{
			EventID:       events[i].ID.String(),
			WorkflowType:  workflowType,
			InstanceID:    instanceID.String(),
			Sequence:      events[i].Sequence,
			Ordinal:       ordinal + uint64(i),
			Type:          events[i].Type,
			Kind:          string(events[i].Kind),
			Payload:       events[i].Payload,
			CorrelationID: events[i].CorrelationID.String(),
			SpecVersion:   events[i].SpecVersion,
			At:            events[i].At,
		}
		if events[i].CausationID != nil {
			doc.CausationID = events[i].CausationID.String()
		}
		docs[i] = doc
	}

	// Ordered insert, trigger first: a crash mid-append leaves a contiguous
	// log that is at worst missing trailing notices, never a sequence gap.
	if _, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return api.SequenceRange{}, &api.SequenceConflictError{
				WorkflowType: workflowType,
				InstanceID:   instanceID,
				Expected:     expectedSequence,
			}
		}
		return api.SequenceRange{}, err
	}
	return api.SequenceRange{From: tail + 1, To: tail + uint64(len(events))}, nil
}

func (s *MongoStore) Read(ctx context.Context, workflowType string, instanceID uuid.UUID, fromSequence uint64, limit int) ([]api.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	cur, err := s.events.Find(ctx,
		bson.M{"workflow_type": workflowType, "instance_id": instanceID.String(), "sequence": bson.M{"$gt": fromSequence}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEvent
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (s *MongoStore) ReadAll(ctx context.Context, workflowType string, fromOrdinal uint64, limit int) ([]api.Event, uint64, error) {
	if limit <= 0 {
		limit = 256
	}
	cur, err := s.events.Find(ctx,
		bson.M{"workflow_type": workflowType, "ordinal": bson.M{"$gt": fromOrdinal}},
		options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var (
		out  []api.Event
		next = fromOrdinal
	)
	for cur.Next(ctx) {
		var doc mongoEvent
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		ev, err := doc.toEvent()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
		next = doc.Ordinal
	}
	return out, next, cur.Err()
}

func (s *MongoStore) Tail(ctx context.Context, workflowType string, instanceID uuid.UUID) (uint64, error) {
	var doc struct {
		Sequence uint64 `bson:"sequence"`
	}
	err := s.events.FindOne(ctx,
		bson.M{"workflow_type": workflowType, "instance_id": instanceID.String()},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetProjection(bson.M{"sequence": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Sequence, nil
}

func (d *mongoEvent) toEvent() (api.Event, error) {
	id, err := uuid.Parse(d.EventID)
	if err != nil {
		return api.Event{}, fmt.Errorf("persistence: bad event id %q: %w", d.EventID, err)
	}
	instID, err := uuid.Parse(d.InstanceID)
	if err != nil {
		return api.Event{}, fmt.Errorf("persistence: bad instance id %q: %w", d.InstanceID, err)
	}
	correlation, err := uuid.Parse(d.CorrelationID)
	if err != nil {
		return api.Event{}, fmt.Errorf("persistence: bad correlation id %q: %w", d.CorrelationID, err)
	}
	ev := api.Event{
		ID:            id,
		WorkflowType:  d.WorkflowType,
		InstanceID:    instID,
		Sequence:      d.Sequence,
		Type:          d.Type,
		Kind:          api.EventKind(d.Kind),
		Payload:       d.Payload,
		CorrelationID: correlation,
		SpecVersion:   d.SpecVersion,
		At:            d.At.UTC(),
	}
	if d.CausationID != "" {
		causation, err := uuid.Parse(d.CausationID)
		if err != nil {
			return api.Event{}, fmt.Errorf("persistence: bad causation id %q: %w", d.CausationID, err)
		}
		ev.CausationID = &causation
	}
	return ev, nil
}

func (s *MongoStore) Put(ctx context.Context, snap api.Snapshot) error {
	doc := mongoSnapshot{
		WorkflowType: snap.WorkflowType,
		InstanceID:   snap.InstanceID.String(),
		Sequence:     snap.Sequence,
		State:        snap.State,
		Data:         snap.Data,
		SpecVersion:  snap.SpecVersion,
		Suspended:    snap.Suspended,
		Terminal:     snap.Terminal,
		CreatedAt:    snap.CreatedAt,
	}
	_, err := s.snapshots.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		// Snapshots are write-once; a concurrent writer already stored the
		// same checkpoint.
		return nil
	}
	return err
}

func (s *MongoStore) Latest(ctx context.Context, workflowType string, instanceID uuid.UUID, maxSequence uint64) (*api.Snapshot, error) {
	filter := bson.M{"workflow_type": workflowType, "instance_id": instanceID.String()}
	if maxSequence > 0 {
		filter["sequence"] = bson.M{"$lte": maxSequence}
	}
	var doc mongoSnapshot
	err := s.snapshots.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &api.Snapshot{
		WorkflowType: doc.WorkflowType,
		InstanceID:   instanceID,
		Sequence:     doc.Sequence,
		State:        api.NewStateSet(doc.State...),
		Data:         doc.Data,
		SpecVersion:  doc.SpecVersion,
		Suspended:    doc.Suspended,
		Terminal:     doc.Terminal,
		CreatedAt:    doc.CreatedAt.UTC(),
	}, nil
}

func (s *MongoStore) Prune(ctx context.Context, workflowType string, instanceID uuid.UUID, keepFrom uint64) error {
	_, err := s.snapshots.DeleteMany(ctx, bson.M{
		"workflow_type": workflowType,
		"instance_id":   instanceID.String(),
		"sequence":      bson.M{"$lt": keepFrom},
	})
	return err
}

func (s *MongoStore) Add(ctx context.Context, entries []api.OutboxEntry, events []api.Event) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i, entry := range entries {
		docs[i] = mongoOutboxEntry{
			EventID:   entry.EventID.String(),
			Topic:     entry.Topic,
			CreatedAt: entry.CreatedAt,
		}
	}
	_, err := s.outbox.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) Pending(ctx context.Context, limit int) ([]api.OutboxEntry, []api.Event, error) {
	if limit <= 0 {
		limit = 64
	}
	cur, err := s.outbox.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close(ctx)

	var entries []api.OutboxEntry
	for cur.Next(ctx) {
		var doc mongoOutboxEntry
		if err := cur.Decode(&doc); err != nil {
			return nil, nil, err
		}
		id, err := uuid.Parse(doc.EventID)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, api.OutboxEntry{
			EventID:   id,
			Topic:     doc.Topic,
			Attempts:  doc.Attempts + 1,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}

	events := make([]api.Event, 0, len(entries))
	for _, entry := range entries {
		var doc mongoEvent
		err := s.events.FindOne(ctx, bson.M{"event_id": entry.EventID.String()}).Decode(&doc)
		if err != nil {
			return nil, nil, fmt.Errorf("persistence: outbox entry %s has no event: %w", entry.EventID, err)
		}
		ev, err := doc.toEvent()
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)

		_, _ = s.outbox.UpdateOne(ctx,
			bson.M{"event_id": entry.EventID.String()},
			bson.M{"$inc": bson.M{"attempts": 1}},
		)
	}
	return entries, events, nil
}

func (s *MongoStore) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.outbox.DeleteOne(ctx, bson.M{"event_id": eventID.String()})
	return err
}

func (s *MongoStore) Get(ctx context.Context, projection, workflowType string) (uint64, error) {
	var doc struct {
		Ordinal uint64 `bson:"ordinal"`
	}
	err := s.cursors.FindOne(ctx,
		bson.M{"projection": projection, "workflow_type": workflowType},
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Ordinal, nil
}

func (s *MongoStore) Set(ctx context.Context, projection, workflowType string, ordinal uint64) error {
	_, err := s.cursors.UpdateOne(ctx,
		bson.M{"projection": projection, "workflow_type": workflowType},
		bson.M{"$set": bson.M{"ordinal": ordinal}},
		options.Update().SetUpsert(true),
	)
	return err
}
