// Package engine implements the event-sourced workflow engine: per-instance
// serialized dispatch, FSM execution against compiled specifications, durable
// append with outbox publication, asynchronous effect scheduling, snapshots,
// replay recovery, and projection running.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
	"github.com/petrijr/stato/pkg/spec"
)

// Config describes how to construct an Engine. Log is required; everything
// else has a working default (snapshots, outbox, cursors and transport may
// be nil, disabling the corresponding background behavior).
type Config struct {
	Log       api.EventLog
	Snapshots api.SnapshotStore
	Outbox    api.OutboxStore
	Cursors   api.CursorStore
	Transport api.Transport

	Observer api.Observer
	Logger   *slog.Logger

	// SnapshotEvery takes a snapshot after this many applied events per
	// instance; zero disables count-based snapshots.
	SnapshotEvery int
	// SnapshotInterval takes a snapshot when this much time has passed
	// since the instance's last one; zero disables time-based snapshots.
	// Both thresholds are soft.
	SnapshotInterval time.Duration

	// DeadLetterTopic receives events rejected under the deadletter policy.
	DeadLetterTopic string
	// TopicFor maps an appended event to its publication topic.
	TopicFor func(ev api.Event) string

	// AppendRetries bounds reload-and-retry cycles after a sequence
	// conflict.
	AppendRetries int

	// Effect scheduling defaults, used when a declaration leaves them zero.
	EffectTimeout     time.Duration
	EffectMaxAttempts int
	EffectBackoff     time.Duration
	EffectMaxBackoff  time.Duration

	// MaxConcurrentEffects bounds in-flight effect invocations.
	MaxConcurrentEffects int

	// OutboxInterval is the publisher's poll interval; OutboxBatch bounds
	// each drain.
	OutboxInterval time.Duration
	OutboxBatch    int

	// ProjectionPollInterval and ProjectionBatch are the projector
	// defaults when the Projection leaves them zero.
	ProjectionPollInterval time.Duration
	ProjectionBatch        int
}

func (c Config) withDefaults() Config {
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = "stato.deadletter"
	}
	if c.TopicFor == nil {
		c.TopicFor = func(ev api.Event) string { return "stato." + ev.WorkflowType }
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = 3
	}
	if c.EffectTimeout <= 0 {
		c.EffectTimeout = 30 * time.Second
	}
	if c.EffectMaxAttempts <= 0 {
		c.EffectMaxAttempts = 5
	}
	if c.EffectBackoff <= 0 {
		c.EffectBackoff = 100 * time.Millisecond
	}
	if c.EffectMaxBackoff <= 0 {
		c.EffectMaxBackoff = 10 * time.Second
	}
	if c.MaxConcurrentEffects <= 0 {
		c.MaxConcurrentEffects = 64
	}
	if c.OutboxInterval <= 0 {
		c.OutboxInterval = 100 * time.Millisecond
	}
	if c.OutboxBatch <= 0 {
		c.OutboxBatch = 64
	}
	if c.ProjectionPollInterval <= 0 {
		c.ProjectionPollInterval = 100 * time.Millisecond
	}
	if c.ProjectionBatch <= 0 {
		c.ProjectionBatch = 200
	}
	return c
}

type slotKey struct {
	workflowType string
	instanceID   uuid.UUID
}

// slot is the exclusive execution slot of one instance. Its mutex is the
// single-writer guarantee: exactly one event is applied to the instance at a
// time, while unrelated instances proceed in parallel. The cached instance
// is mutated only by the holder of the mutex.
type slot struct {
	mu sync.Mutex

	inst           *api.Instance
	lastSnapshotAt time.Time
	lastSnapshot   uint64
}

// Engine routes events to workflow instances per their compiled
// specifications.
type Engine struct {
	cfg Config

	log       api.EventLog
	snapshots api.SnapshotStore
	outbox    api.OutboxStore
	cursors   api.CursorStore
	transport api.Transport
	obs       api.Observer
	logger    *slog.Logger

	mu      sync.Mutex
	specs   map[string]map[string]*spec.CompiledSpec // type -> version
	current map[string]string                        // type -> latest registered version
	slots   map[slotKey]*slot

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	effectSem chan struct{}
	started   bool
}

// New creates an Engine. Background loops (outbox publication) do not run
// until Start is called; synchronous submission works without Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("engine: Config.Log is required")
	}
	cfg = cfg.withDefaults()

	// Effects and snapshot writes outlive individual Submit calls, so they
	// run under the engine's own context until Close.
	runCtx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		log:       cfg.Log,
		snapshots: cfg.Snapshots,
		outbox:    cfg.Outbox,
		cursors:   cfg.Cursors,
		transport: cfg.Transport,
		obs:       cfg.Observer,
		logger:    cfg.Logger,
		specs:     make(map[string]map[string]*spec.CompiledSpec),
		current:   make(map[string]string),
		slots:     make(map[slotKey]*slot),
		runCtx:    runCtx,
		cancel:    cancel,
		effectSem: make(chan struct{}, cfg.MaxConcurrentEffects),
	}, nil
}

// RegisterSpec registers a compiled specification for dispatch. One
// registration per (workflow type, version); the most recently registered
// version is used for new instances. Existing instances keep the version
// they were created with; there is no implicit upgrade.
func (e *Engine) RegisterSpec(cs *spec.CompiledSpec) error {
	if cs == nil {
		return errors.New("engine: nil specification")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	versions := e.specs[cs.WorkflowType()]
	if versions == nil {
		versions = make(map[string]*spec.CompiledSpec)
		e.specs[cs.WorkflowType()] = versions
	}
	if _, dup := versions[cs.Version()]; dup {
		return fmt.Errorf("engine: specification %s@%s already registered", cs.WorkflowType(), cs.Version())
	}
	versions[cs.Version()] = cs
	e.current[cs.WorkflowType()] = cs.Version()
	return nil
}

// specFor returns the compiled spec for a type and version. An empty
// version selects the current (most recently registered) one.
func (e *Engine) specFor(workflowType, version string) (*spec.CompiledSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	versions := e.specs[workflowType]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrSpecNotFound, workflowType)
	}
	if version == "" {
		version = e.current[workflowType]
	}
	cs, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", api.ErrSpecNotFound, workflowType, version)
	}
	return cs, nil
}

func (e *Engine) slotFor(key slotKey) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[key]
	if !ok {
		s = &slot{}
		e.slots[key] = s
	}
	return s
}

// evictIfEmpty drops the slot when it holds no cached instance, so lookups of
// nonexistent ids and rejected submissions do not grow the slot map forever.
// The caller must hold the slot mutex. A goroutine still queued on a dropped
// slot resolves through the log's optimistic concurrency, exactly like a
// writer in another process.
func (e *Engine) evictIfEmpty(key slotKey, s *slot) {
	if s.inst != nil {
		return
	}
	e.mu.Lock()
	if e.slots[key] == s {
		delete(e.slots, key)
	}
	e.mu.Unlock()
}

// Start launches the background loops: currently the outbox publisher.
// Start is optional for purely synchronous use without a transport.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}
	e.started = true

	if e.outbox != nil && e.transport != nil {
		e.wg.Add(1)
		go e.publishOutbox()
	}
	return nil
}

// Close stops background loops and waits for in-flight effects and snapshot
// writes to finish.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// Get returns a copy of the instance's current state, recovering it from
// snapshot and log if it is not cached.
func (e *Engine) Get(ctx context.Context, workflowType string, instanceID uuid.UUID) (*api.Instance, error) {
	if _, err := e.specFor(workflowType, ""); err != nil {
		return nil, err
	}
	key := slotKey{workflowType: workflowType, instanceID: instanceID}
	s := e.slotFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer e.evictIfEmpty(key, s)

	inst, found, err := e.loadLocked(ctx, s, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrInstanceNotFound, workflowType, instanceID)
	}
	return inst.Clone(), nil
}

// Resume clears an instance's suspended flag by appending a resume marker,
// so the suspension and its lifting are both part of the replayable history.
func (e *Engine) Resume(ctx context.Context, workflowType string, instanceID uuid.UUID) (*api.Instance, error) {
	inst, err := e.Get(ctx, workflowType, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Suspended {
		return nil, fmt.Errorf("engine: instance %s/%s is not suspended", workflowType, instanceID)
	}
	return e.Submit(ctx, api.SubmitRequest{
		WorkflowType: workflowType,
		InstanceID:   instanceID,
		EventType:    api.EventTypeResumed,
	})
}

// Attach subscribes the engine's ingestion path to a transport topic.
// Redelivered events (carrying a sequence) deduplicate through the normal
// idempotency check; handler errors propagate so the transport redelivers.
func (e *Engine) Attach(ctx context.Context, topic string) (api.Subscription, error) {
	if e.transport == nil {
		return nil, errors.New("engine: no transport configured")
	}
	return e.transport.Subscribe(ctx, topic, func(ctx context.Context, ev api.Event) error {
		_, err := e.SubmitEvent(ctx, ev)
		return err
	})
}
