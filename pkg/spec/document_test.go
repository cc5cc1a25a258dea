package spec

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/petrijr/stato/pkg/api"
)

func TestParse_Defaults(t *testing.T) {
	doc, err := Parse(strings.NewReader(`
workflow_type: w
version: "2"
initial: [a]
states:
  - name: a
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Unhandled != PolicyDeadLetter {
		t.Fatalf("expected deadletter default, got %q", doc.Unhandled)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`
workflow_type: w
version: "1"
initial: [a]
statez:
  - name: a
`))
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParse_EffectDurations(t *testing.T) {
	doc, err := Parse(strings.NewReader(`
workflow_type: w
version: "1"
initial: [a]
states:
  - name: a
transitions:
  - from: a
    on: e
    to: a
    effects:
      - name: charge
        timeout: 250ms
        max_attempts: 3
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	eff := doc.Transitions[0].Effects[0]
	if eff.Timeout.Std() != 250*time.Millisecond {
		t.Fatalf("expected 250ms timeout, got %v", eff.Timeout.Std())
	}
	if eff.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", eff.MaxAttempts)
	}
}

func TestEffect_EventTypes(t *testing.T) {
	eff := Effect{Name: "charge"}
	if eff.ResultType() != "charge.completed" {
		t.Fatalf("unexpected result type %q", eff.ResultType())
	}
	if eff.FailureType() != "charge.failed" {
		t.Fatalf("unexpected failure type %q", eff.FailureType())
	}
	eff.Result = "payment.charged"
	if eff.ResultType() != "payment.charged" {
		t.Fatalf("explicit result type not honored: %q", eff.ResultType())
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate guard")
		}
	}()
	g := GuardFunc(func(state api.StateSet, data json.RawMessage, ev api.Event) (bool, error) {
		return true, nil
	})
	NewRegistry().Guard("g", g).Guard("g", g)
}
