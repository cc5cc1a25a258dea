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

// SQLiteStore persists the event log, snapshots, outbox and cursors in a
// single SQLite database. The caller owns the *sql.DB and is responsible for
// importing a driver, e.g.:
//
//	_ "modernc.org/sqlite"
//
// The append and its outbox entries share one transaction, so the store
// implements the atomic OutboxAppender upgrade.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the ports.
var _ api.EventLog = (*SQLiteStore)(nil)

var _ api.OutboxAppender = (*SQLiteStore)(nil)

var _ api.SnapshotStore = (*SQLiteStore)(nil)

var _ api.OutboxStore = (*SQLiteStore)(nil)

var _ api.CursorStore = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			ordinal INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			workflow_type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			causation_id TEXT,
			correlation_id TEXT NOT NULL,
			spec_version TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			UNIQUE (workflow_type, instance_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_events_instance ON events(workflow_type, instance_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(workflow_type, ordinal);

		CREATE TABLE IF NOT EXISTS snapshots (
			workflow_type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			state TEXT NOT NULL,
			data BLOB,
			spec_version TEXT NOT NULL DEFAULT '',
			suspended INTEGER NOT NULL DEFAULT 0,
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_type, instance_id, sequence)
		);

		CREATE TABLE IF NOT EXISTS outbox (
			event_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cursors (
			projection TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (projection, workflow_type)
		);
	`)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event) (api.SequenceRange, error) {
	return s.append(ctx, workflowType, instanceID, expectedSequence, events, nil)
}

func (s *SQLiteStore) AppendWithOutbox(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event, entries []api.OutboxEntry) (api.SequenceRange, error) {
	return s.append(ctx, workflowType, instanceID, expectedSequence, events, entries)
}

func (s *SQLiteStore) append(ctx context.Context, workflowType string, instanceID uuid.UUID, expectedSequence uint64, events []api.Event, entries []api.OutboxEntry) (api.SequenceRange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.SequenceRange{}, err
	}
	defer tx.Rollback()

	var tail uint64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events
		WHERE workflow_type = ? AND instance_id = ?`,
		workflowType, instanceID.String(),
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
			causation = events[i].CausationID.String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			events[i].ID.String(),
			workflowType,
			instanceID.String(),
			events[i].Sequence,
			events[i].Type,
			string(events[i].Kind),
			[]byte(events[i].Payload),
			causation,
			events[i].CorrelationID.String(),
			events[i].SpecVersion,
			events[i].At.UnixNano(),
		)
		if err != nil {
			return api.SequenceRange{}, mapSQLiteConflict(err, workflowType, instanceID, expectedSequence)
		}
	}

	for _, entry := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO outbox (event_id, topic, attempts, created_at)
			VALUES (?, ?, 0, ?)`,
			entry.EventID.String(), entry.Topic, entry.CreatedAt.UnixNano(),
		)
		if err != nil {
			return api.SequenceRange{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return api.SequenceRange{}, mapSQLiteConflict(err, workflowType, instanceID, expectedSequence)
	}
	return api.SequenceRange{From: tail + 1, To: tail + uint64(len(events))}, nil
}

// mapSQLiteConflict translates a unique-violation from a concurrent appender
// (another process writing the same database between the tail check and the
// insert) into the port's conflict error, matching the Postgres and Mongo
// stores. The actual tail is unknown at this point; the caller reloads from
// the log anyway.
func mapSQLiteConflict(err error, workflowType string, instanceID uuid.UUID, expected uint64) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &api.SequenceConflictError{
			WorkflowType: workflowType,
			InstanceID:   instanceID,
			Expected:     expected,
		}
	}
	return err
}

func (s *SQLiteStore) Read(ctx context.Context, workflowType string, instanceID uuid.UUID, fromSequence uint64, limit int) ([]api.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at
		FROM events
		WHERE workflow_type = ? AND instance_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`,
		workflowType, instanceID.String(), fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		ev, _, err := scanEvent(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReadAll(ctx context.Context, workflowType string, fromOrdinal uint64, limit int) ([]api.Event, uint64, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_type, instance_id, sequence, type, kind, payload, causation_id, correlation_id, spec_version, at, ordinal
		FROM events
		WHERE workflow_type = ? AND ordinal > ?
		ORDER BY ordinal ASC
		LIMIT ?`,
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
		ev, ordinal, err := scanEvent(rows, true)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
		next = ordinal
	}
	return out, next, rows.Err()
}

func (s *SQLiteStore) Tail(ctx context.Context, workflowType string, instanceID uuid.UUID) (uint64, error) {
	var tail uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events
		WHERE workflow_type = ? AND instance_id = ?`,
		workflowType, instanceID.String(),
	).Scan(&tail)
	return tail, err
}

// scanEvent decodes one row of the events projection used by Read/ReadAll.
func scanEvent(rows *sql.Rows, withOrdinal bool) (api.Event, uint64, error) {
	var (
		ev          api.Event
		eventID     string
		instID      string
		kind        string
		causation   sql.NullString
		correlation string
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

	var err error
	if ev.ID, err = uuid.Parse(eventID); err != nil {
		return api.Event{}, 0, fmt.Errorf("persistence: bad event id %q: %w", eventID, err)
	}
	if ev.InstanceID, err = uuid.Parse(instID); err != nil {
		return api.Event{}, 0, fmt.Errorf("persistence: bad instance id %q: %w", instID, err)
	}
	if causation.Valid {
		id, err := uuid.Parse(causation.String)
		if err != nil {
			return api.Event{}, 0, fmt.Errorf("persistence: bad causation id %q: %w", causation.String, err)
		}
		ev.CausationID = &id
	}
	if ev.CorrelationID, err = uuid.Parse(correlation); err != nil {
		return api.Event{}, 0, fmt.Errorf("persistence: bad correlation id %q: %w", correlation, err)
	}
	ev.Kind = api.EventKind(kind)
	ev.At = time.Unix(0, atN).UTC()
	return ev, ordinal, nil
}

func (s *SQLiteStore) Put(ctx context.Context, snap api.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (workflow_type, instance_id, sequence, state, data, spec_version, suspended, terminal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.WorkflowType,
		snap.InstanceID.String(),
		snap.Sequence,
		string(state),
		[]byte(snap.Data),
		snap.SpecVersion,
		boolToInt(snap.Suspended),
		boolToInt(snap.Terminal),
		snap.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Latest(ctx context.Context, workflowType string, instanceID uuid.UUID, maxSequence uint64) (*api.Snapshot, error) {
	bound := maxSequence
	if bound == 0 {
		bound = ^uint64(0) >> 1
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, state, data, spec_version, suspended, terminal, created_at
		FROM snapshots
		WHERE workflow_type = ? AND instance_id = ? AND sequence <= ?
		ORDER BY sequence DESC
		LIMIT 1`,
		workflowType, instanceID.String(), bound)

	var (
		snap      api.Snapshot
		state     string
		suspended int
		terminal  int
		createdN  int64
	)
	err := row.Scan(&snap.Sequence, &state, &snap.Data, &snap.SpecVersion, &suspended, &terminal, &createdN)
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
	snap.Suspended = suspended != 0
	snap.Terminal = terminal != 0
	snap.CreatedAt = time.Unix(0, createdN).UTC()
	return &snap, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, workflowType string, instanceID uuid.UUID, keepFrom uint64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE workflow_type = ? AND instance_id = ? AND sequence < ?`,
		workflowType, instanceID.String(), keepFrom)
	return err
}

func (s *SQLiteStore) Add(ctx context.Context, entries []api.OutboxEntry, events []api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO outbox (event_id, topic, attempts, created_at)
			VALUES (?, ?, 0, ?)`,
			entry.EventID.String(), entry.Topic, entry.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]api.OutboxEntry, []api.Event, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.event_id, o.topic, o.attempts, o.created_at,
		       e.event_id, e.workflow_type, e.instance_id, e.sequence, e.type, e.kind, e.payload, e.causation_id, e.correlation_id, e.spec_version, e.at
		FROM outbox o
		JOIN events e ON e.event_id = o.event_id
		ORDER BY o.created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		entries []api.OutboxEntry
		events  []api.Event
	)
	for rows.Next() {
		var (
			entry       api.OutboxEntry
			entryID     string
			createdN    int64
			ev          api.Event
			eventID     string
			instID      string
			kind        string
			causation   sql.NullString
			correlation string
			atN         int64
		)
		err := rows.Scan(&entryID, &entry.Topic, &entry.Attempts, &createdN,
			&eventID, &ev.WorkflowType, &instID, &ev.Sequence, &ev.Type, &kind, &ev.Payload, &causation, &correlation, &ev.SpecVersion, &atN)
		if err != nil {
			return nil, nil, err
		}
		if entry.EventID, err = uuid.Parse(entryID); err != nil {
			return nil, nil, err
		}
		if ev.ID, err = uuid.Parse(eventID); err != nil {
			return nil, nil, err
		}
		if ev.InstanceID, err = uuid.Parse(instID); err != nil {
			return nil, nil, err
		}
		if causation.Valid {
			id, err := uuid.Parse(causation.String)
			if err != nil {
				return nil, nil, err
			}
			ev.CausationID = &id
		}
		if ev.CorrelationID, err = uuid.Parse(correlation); err != nil {
			return nil, nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.At = time.Unix(0, atN).UTC()
		entry.CreatedAt = time.Unix(0, createdN).UTC()
		entries = append(entries, entry)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, entry := range entries {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE outbox SET attempts = attempts + 1 WHERE event_id = ?`,
			entry.EventID.String()); err != nil {
			return nil, nil, err
		}
	}
	return entries, events, nil
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE event_id = ?`, eventID.String())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, projection, workflowType string) (uint64, error) {
	var ordinal uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT ordinal FROM cursors WHERE projection = ? AND workflow_type = ?`,
		projection, workflowType).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ordinal, err
}

func (s *SQLiteStore) Set(ctx context.Context, projection, workflowType string, ordinal uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (projection, workflow_type, ordinal)
		VALUES (?, ?, ?)
		ON CONFLICT (projection, workflow_type) DO UPDATE SET ordinal = excluded.ordinal`,
		projection, workflowType, ordinal)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
