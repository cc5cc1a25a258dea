package stato

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stato/internal/engine"
	"github.com/petrijr/stato/internal/persistence"
	"github.com/petrijr/stato/internal/transport"
	"github.com/petrijr/stato/pkg/api"
	"github.com/petrijr/stato/pkg/spec"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Event                = api.Event
	EventKind            = api.EventKind
	Instance             = api.Instance
	StateSet             = api.StateSet
	Snapshot             = api.Snapshot
	SubmitRequest        = api.SubmitRequest
	Projection           = api.Projection
	Subscription         = api.Subscription
	EffectInvoker        = api.EffectInvoker
	EffectInvokerFunc    = api.EffectInvokerFunc
	Transport            = api.Transport
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewTracingObserver   = api.NewTracingObserver
)

// Re-export sentinel errors and error helpers.

var (
	ErrInstanceNotFound  = api.ErrInstanceNotFound
	ErrSpecNotFound      = api.ErrSpecNotFound
	ErrInstanceSuspended = api.ErrInstanceSuspended
	ErrInstanceTerminal  = api.ErrInstanceTerminal

	IsSequenceConflict = api.IsSequenceConflict
)

// Engine is the public surface of the workflow engine. All constructors in
// this package return implementations of it; external callers never import
// internal packages.
type Engine interface {
	// RegisterSpec registers a compiled specification. The most recently
	// registered version of a workflow type is used for new instances.
	RegisterSpec(cs *spec.CompiledSpec) error

	// Start launches background loops (outbox publication). Optional for
	// purely synchronous use without a transport.
	Start() error

	// Close stops background loops and waits for in-flight effects.
	Close() error

	// Submit runs one fresh domain event through the target instance.
	// A nil InstanceID creates a new instance.
	Submit(ctx context.Context, req SubmitRequest) (*Instance, error)

	// SubmitEvent ingests a delivered event; redelivered events (carrying a
	// sequence) deduplicate instead of re-applying.
	SubmitEvent(ctx context.Context, ev Event) (*Instance, error)

	// Get returns the instance's current state, recovering it from snapshot
	// and log when not cached.
	Get(ctx context.Context, workflowType string, instanceID uuid.UUID) (*Instance, error)

	// Resume lifts an instance's suspension.
	Resume(ctx context.Context, workflowType string, instanceID uuid.UUID) (*Instance, error)

	// Attach subscribes the engine's ingestion path to a transport topic.
	Attach(ctx context.Context, topic string) (Subscription, error)

	// RunProjection tails a workflow type's events into a read model,
	// blocking until ctx is canceled.
	RunProjection(ctx context.Context, p Projection) error
}

// Ensure the internal engine satisfies the public interface.
var _ Engine = (*engine.Engine)(nil)

// Option tweaks an engine configuration.
type Option func(*engine.Config)

// WithObserver sets the engine observer.
func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = logger }
}

// WithTransport sets the pub/sub transport used for outbox publication,
// dead-lettering and Attach.
func WithTransport(t Transport) Option {
	return func(c *engine.Config) { c.Transport = t }
}

// WithRedisTransport is WithTransport over Redis Pub/Sub. The client is
// owned by the caller.
func WithRedisTransport(client *redis.Client) Option {
	return func(c *engine.Config) { c.Transport = transport.NewRedisTransport(client, c.Logger) }
}

// WithSnapshots enables count and/or time based snapshots; zero disables the
// corresponding trigger.
func WithSnapshots(every int, interval time.Duration) Option {
	return func(c *engine.Config) {
		c.SnapshotEvery = every
		c.SnapshotInterval = interval
	}
}

// WithDeadLetterTopic overrides the topic for events rejected under the
// deadletter policy.
func WithDeadLetterTopic(topic string) Option {
	return func(c *engine.Config) { c.DeadLetterTopic = topic }
}

// WithTopicFor overrides the mapping from appended events to publication
// topics.
func WithTopicFor(fn func(ev Event) string) Option {
	return func(c *engine.Config) { c.TopicFor = fn }
}

// WithEffectDefaults overrides the effect scheduling defaults used when a
// declaration leaves them zero.
func WithEffectDefaults(timeout time.Duration, maxAttempts int, backoff, maxBackoff time.Duration) Option {
	return func(c *engine.Config) {
		c.EffectTimeout = timeout
		c.EffectMaxAttempts = maxAttempts
		c.EffectBackoff = backoff
		c.EffectMaxBackoff = maxBackoff
	}
}

// Engine constructors. Each backend implements the full storage surface
// (event log, snapshots, outbox, cursors); the in-memory transport is wired
// by default so the outbox and dead-lettering work out of the box, and
// WithRedisTransport swaps in Redis for multi-process setups.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Nothing survives a restart; best for tests and local development.
func NewInMemoryEngine(opts ...Option) Engine {
	store := persistence.NewMemoryStore()
	eng, err := newEngine(store, opts)
	if err != nil {
		// The in-memory config cannot fail validation.
		panic(err)
	}
	return eng
}

// NewSQLiteEngine returns an Engine that persists events, snapshots, outbox
// and cursors in a SQLite database. The caller owns the *sql.DB and must
// import a driver, e.g. _ "modernc.org/sqlite".
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts)
}

// NewPostgresEngine returns an Engine that persists in PostgreSQL. The
// caller owns the *sql.DB and must import a driver, e.g.
// _ "github.com/jackc/pgx/v5/stdlib".
func NewPostgresEngine(ctx context.Context, db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts)
}

// NewMongoEngine returns an Engine that persists in MongoDB.
func NewMongoEngine(ctx context.Context, db *mongo.Database, opts ...Option) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts)
}

// fullStore is the storage surface shared by the in-memory and SQL backends.
type fullStore interface {
	api.EventLog
	api.SnapshotStore
	api.OutboxStore
	api.CursorStore
}

func newEngine(store fullStore, opts []Option) (Engine, error) {
	cfg := engine.Config{
		Log:       store,
		Snapshots: store,
		Outbox:    store,
		Cursors:   store,
		Transport: transport.NewMemoryTransport(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}

// NewMemoryTransport returns an in-process pub/sub bus, useful for tests and
// single-process deployments.
func NewMemoryTransport() Transport {
	return transport.NewMemoryTransport()
}

// LoadSpec parses a YAML specification document and compiles it against the
// registry in one step.
func LoadSpec(r io.Reader, reg *spec.Registry) (*spec.CompiledSpec, error) {
	doc, err := spec.Parse(r)
	if err != nil {
		return nil, err
	}
	return spec.Compile(doc, reg)
}
