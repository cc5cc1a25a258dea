package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out
// behavior.
type testObserver struct {
	mu sync.Mutex

	applied   int
	discarded int
	rejected  int

	effectStarts    int
	effectCompletes int
	suspensions     int
	snapshots       int

	lastApplied   Event
	lastRejection struct {
		Policy string
		Err    error
	}
	lastSuspendReason string
}

func (o *testObserver) OnEventApplied(ctx context.Context, inst *Instance, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied++
	o.lastApplied = ev
}

func (o *testObserver) OnEventDiscarded(ctx context.Context, inst *Instance, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discarded++
}

func (o *testObserver) OnTransitionRejected(ctx context.Context, inst *Instance, ev Event, policy string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
	o.lastRejection.Policy = policy
	o.lastRejection.Err = err
}

func (o *testObserver) OnEffectStart(ctx context.Context, inst *Instance, effect string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.effectStarts++
}

func (o *testObserver) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.effectCompletes++
}

func (o *testObserver) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspensions++
	o.lastSuspendReason = reason
}

func (o *testObserver) OnSnapshot(ctx context.Context, snap Snapshot, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots++
}

// --- CompositeObserver tests ---

func TestCompositeObserver_FansOut(t *testing.T) {
	a := &testObserver{}
	b := &testObserver{}
	obs := NewCompositeObserver(a, nil, b)

	ctx := context.Background()
	inst := &Instance{WorkflowType: "w"}
	ev := Event{Type: "e"}

	obs.OnEventApplied(ctx, inst, ev)
	obs.OnEventDiscarded(ctx, inst, ev)
	obs.OnTransitionRejected(ctx, inst, ev, "ignore", errors.New("no match"))
	obs.OnEffectStart(ctx, inst, "charge", 1)
	obs.OnEffectCompleted(ctx, inst, "charge", 1, nil, time.Millisecond)
	obs.OnInstanceSuspended(ctx, inst, "retries exhausted")
	obs.OnSnapshot(ctx, Snapshot{}, nil)

	for name, o := range map[string]*testObserver{"a": a, "b": b} {
		if o.applied != 1 || o.discarded != 1 || o.rejected != 1 {
			t.Fatalf("%s: event callbacks not fanned out: %+v", name, o)
		}
		if o.effectStarts != 1 || o.effectCompletes != 1 {
			t.Fatalf("%s: effect callbacks not fanned out", name)
		}
		if o.suspensions != 1 || o.snapshots != 1 {
			t.Fatalf("%s: lifecycle callbacks not fanned out", name)
		}
		if o.lastRejection.Policy != "ignore" {
			t.Fatalf("%s: policy not forwarded: %q", name, o.lastRejection.Policy)
		}
	}
}

func TestNewCompositeObserver_Collapses(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("empty composite should collapse to NoopObserver")
	}
	single := &testObserver{}
	if got := NewCompositeObserver(nil, single); got != Observer(single) {
		t.Fatalf("single-observer composite should return the observer itself")
	}
}

// --- BasicMetrics tests ---

func TestBasicMetrics_Counters(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	inst := &Instance{}

	m.OnEventApplied(ctx, inst, Event{})
	m.OnEventApplied(ctx, inst, Event{})
	m.OnEventDiscarded(ctx, inst, Event{})
	m.OnTransitionRejected(ctx, inst, Event{}, "deadletter", errors.New("x"))
	m.OnEffectCompleted(ctx, inst, "charge", 1, nil, 10*time.Millisecond)
	m.OnEffectCompleted(ctx, inst, "charge", 1, nil, 30*time.Millisecond)
	m.OnEffectCompleted(ctx, inst, "charge", 2, errors.New("boom"), time.Millisecond)
	m.OnInstanceSuspended(ctx, inst, "stuck")

	snap := m.Snapshot()
	if snap.EventsApplied != 2 {
		t.Fatalf("expected 2 applied, got %d", snap.EventsApplied)
	}
	if snap.DuplicatesDiscarded != 1 || snap.TransitionsRejected != 1 {
		t.Fatalf("unexpected discard/reject counts: %+v", snap)
	}
	if snap.EffectsCompleted != 2 || snap.EffectsFailed != 1 {
		t.Fatalf("unexpected effect counts: %+v", snap)
	}
	if snap.Suspensions != 1 {
		t.Fatalf("expected 1 suspension, got %d", snap.Suspensions)
	}
	if snap.AvgEffectDuration != 20*time.Millisecond {
		t.Fatalf("expected 20ms average, got %v", snap.AvgEffectDuration)
	}
}
