package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
)

// PostgresStore persists the event log, snapshots, outbox and cursors in
// PostgreSQL. The caller owns the *sql.DB and is responsible for either:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// Unlike SQLite, several processes may append concurrently; the unique
// (workflow_type, instance_id, sequence) constraint is the cross-process
// arbiter and maps to a sequence conflict.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the ports.
var _ api.EventLog = (*PostgresStore)(nil)

var _ api.OutboxAppender = (*PostgresStore)(nil)

var _ api.SnapshotStore = (*PostgresStore)(nil)

var _ api.OutboxStore = (*PostgresStore)(nil)

var _ api.CursorStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			ordinal BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			workflow_type TEXT NOT NULL,
			instance_id UUID NOT NULL,
			sequence BIGINT NOT NULL,
			type TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BYTEA,
			causation_id UUID,
			correlation_id UUID NOT NULL,
			spec_version TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			UNIQUE (workflow_type, instance_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(workflow_type, ordinal);

		CREATE TABLE IF NOT EXISTS snapshots (
			workflow_type TEXT NOT NULL,
			instance_id UUID NOT NULL,
			sequence BIGINT NOT NULL,
			state TEXT NOT NULL,
			data BYTEA,
			spec_version TEXT NOT NULL DEFAULT '',
			suspended BOOLEAN NOT NULL DEFAULT FALSE,
			terminal BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_type, instance_id, sequence)
		);

		CREATE TABLE IF NOT EXISTS outbox (
			event_id UUID PRIMARY KEY,
			topic TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cursors (
			projection TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			ordinal BIGINT NOT NULL,
			PRIMARY KEY (projection, workflow_type)
		);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event) (api.SequenceRange, error) {
	return s.append(ctx, workflowType, instanceID, expectedSequence, events, nil)
}

func (s *PostgresStore) AppendWithOutbox(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event, entries []api.OutboxEntry) (api.SequenceRange, error) {
	return s.append(ctx, workflowType, instanceID, expectedSequence, events, entries)
}

func (s *PostgresStore) append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event, entries []api.OutboxEntry) (api.SequenceRange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.SequenceRange{}, err
	}
	defer tx.Rollback()

	var tail uint64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events
		WHERE workflow_type = $1 AND instance_id = $2`,
		workflowType, instanceID,
	).Scan(&tail)
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

	for i := range events {
		events[i].WorkflowType = workflowType
		events[i].InstanceID = instanceID
		events[i].Sequence = tail + uint64(i) + 1
		if events[i].At.IsZero() {
			events[i].At = time.Now().UTC()
		}

		var causation any
		if events[i].CausationID != nil {
			causation = *events[i].CausationID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			events[i].ID,
			workflowType,
			instanceID,
			events[i].Sequence,
			events[i].Type,
			string(events[i].Kind),
			[]byte(events[i].Payload),
			causation,
			events[i].CorrelationID,
			events[i].SpecVersion,
			events[i].At.UnixNano(),
		)
		if err != nil {
			return api.SequenceRange{}, mapConflict(err, workflowType, instanceID, expectedSequence)
		}
	}

	for _, entry := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (event_id, topic, attempts, created_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (event_id) DO NOTHING`,
			entry.EventID, entry.Topic, entry.CreatedAt.UnixNano(),
		)
		if err != nil {
			return api.SequenceRange{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return api.SequenceRange{}, mapConflict(err, workflowType, instanceID, expectedSequence)
	}
	return api.SequenceRange{From: tail + 1, To: tail + uint64(len(events))}, nil
}

// mapConflict translates a unique-violation from a concurrent appender into
// the port's conflict error. The actual tail is unknown at this point; the
// caller reloads from the log anyway.
func mapConflict(err error, workflowType string, instanceID uuid.UUID, expected uint64) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key") {
		return &api.SequenceConflictError{
			WorkflowType: workflowType,
			InstanceID:   instanceID,
			Expected:     expected,
		}
	}
	return err
}

func (s *PostgresStore) Read(ctx context.Context, workflowType string, instanceID uuid.UUID, fromSequence uint64, limit int) ([]api.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at
		FROM events
		WHERE workflow_type = $1 AND instance_id = $2 AND sequence > $3
		ORDER BY sequence ASC
		LIMIT $4`,
		workflowType, instanceID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		ev, _, err := scanPgEvent(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReadAll(ctx context.Context, workflowType string, fromOrdinal uint64, limit int) ([]api.Event, uint64, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at, ordinal
		FROM events
		WHERE workflow_type = $1 AND ordinal > $2
		ORDER BY ordinal ASC
		LIMIT $3`,
		workflowType, fromOrdinal, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out  []api.Event
		next = fromOrdinal
	)
	for rows.Next() {
		ev, ordinal, err := scanPgEvent(rows, true)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
		next = ordinal
	}
	return out, next, rows.Err()
}

func (s *PostgresStore) Tail(ctx context.Context, workflowType string, instanceID uuid.UUID) (uint64, error) {
	var tail uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events
		WHERE workflow_type = $1 AND instance_id = $2`,
		workflowType, instanceID,
	).Scan(&tail)
	return tail, err
}

func scanPgEvent(rows *sql.Rows, withOrdinal bool) (api.Event, uint64, error) {
	var (
		ev          api.Event
		eventID     uuid.UUID
		instID      uuid.UUID
		kind        string
		causation   sql.NullString
		correlation uuid.UUID
		atN         int64
		ordinal     uint64
	)
	dest := []any{&eventID, &ev.WorkflowType, &instID, &ev.Sequence, &ev.Type, &kind, &ev.Payload, &causation, &correlation, &ev.SpecVersion, &atN}
	if withOrdinal {
		dest = append(dest, &ordinal)
	}
	if err := rows.Scan(dest...); err != nil {
		return api.Event{}, 0, err
	}
	if causation.Valid {
		id, err := uuid.Parse(causation.String)
		if err != nil {
			return api.Event{}, 0, fmt.Errorf("persistence: bad causation id %q: %w", causation.String, err)
		}
		ev.CausationID = &id
	}
	ev.ID = eventID
	ev.InstanceID = instID
	ev.CorrelationID = correlation
	ev.Kind = api.EventKind(kind)
	ev.At = time.Unix(0, atN).UTC()
	return ev, ordinal, nil
}

func (s *PostgresStore) Put(ctx context.Context, snap api.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_type, instance_id, sequence, state, data, spec_version, suspended, terminal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_type, instance_id, sequence) DO NOTHING`,
		snap.WorkflowType,
		snap.InstanceID,
		snap.Sequence,
		string(state),
		[]byte(snap.Data),
		snap.SpecVersion,
		snap.Suspended,
		snap.Terminal,
		snap.CreatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) Latest(ctx context.Context, workflowType string, instanceID uuid.UUID, maxSequence uint64) (*api.Snapshot, error) {
	bound := maxSequence
	if bound == 0 {
		bound = ^uint64(0) >> 1
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, state, data, spec_version, suspended, terminal, created_at
		FROM snapshots
		WHERE workflow_type = $1 AND instance_id = $2 AND sequence <= $3
		ORDER BY sequence DESC
		LIMIT 1`,
		workflowType, instanceID, bound)

	var (
		snap     api.Snapshot
		state    string
		createdN int64
	)
	err := row.Scan(&snap.Sequence, &state, &snap.Data, &snap.SpecVersion, &snap.Suspended, &snap.Terminal, &createdN)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("persistence: bad snapshot state: %w", err)
	}
	snap.WorkflowType = workflowType
	snap.InstanceID = instanceID
	snap.CreatedAt = time.Unix(0, createdN).UTC()
	return &snap, nil
}

func (s *PostgresStore) Prune(ctx context.Context, workflowType string, instanceID uuid.UUID, keepFrom uint64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE workflow_type = $1 AND instance_id = $2 AND sequence < $3`,
		workflowType, instanceID, keepFrom)
	return err
}

func (s *PostgresStore) Add(ctx context.Context, entries []api.OutboxEntry, events []api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (event_id, topic, attempts, created_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (event_id) DO NOTHING`,
			entry.EventID, entry.Topic, entry.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]api.OutboxEntry, []api.Event, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1
		WHERE event_id IN (
			SELECT event_id FROM outbox ORDER BY created_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, topic, attempts, created_at`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []api.OutboxEntry
	for rows.Next() {
		var (
			entry    api.OutboxEntry
			createdN int64
		)
		if err := rows.Scan(&entry.EventID, &entry.Topic, &entry.Attempts, &createdN); err != nil {
			return nil, nil, err
		}
		entry.CreatedAt = time.Unix(0, createdN).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	events := make([]api.Event, 0, len(entries))
	for _, entry := range entries {
		evRows, err := s.db.QueryContext(ctx, `
			SELECT event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at
			FROM events WHERE event_id = $1`, entry.EventID)
		if err != nil {
			return nil, nil, err
		}
		if !evRows.Next() {
			evRows.Close()
			return nil, nil, fmt.Errorf("persistence: outbox entry %s has no event", entry.EventID)
		}
		ev, _, err := scanPgEvent(evRows, false)
		evRows.Close()
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return entries, events, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE event_id = $1`, eventID)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, projection, workflowType string) (uint64, error) {
	var ordinal uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT ordinal FROM cursors WHERE projection = $1 AND workflow_type = $2`,
		projection, workflowType).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ordinal, err
}

func (s *PostgresStore) Set(ctx context.Context, projection, workflowType string, ordinal uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (projection, workflow_type, ordinal)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection, workflow_type) DO UPDATE SET ordinal = excluded.ordinal`,
		projection, workflowType, ordinal)
	return err
}
