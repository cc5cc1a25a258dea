package api

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StateSet is the set of active leaf states of an instance. A flat state
// machine has exactly one entry; parallel regions contribute one leaf each.
// The set is kept sorted and deduplicated so that comparing two StateSets is
// a plain slice comparison and serialized forms are canonical.
type StateSet []string

// NewStateSet builds a canonical StateSet from the given leaf names.
func NewStateSet(states ...string) StateSet {
	s := slices.Clone(states)
	slices.Sort(s)
	return slices.Compact(s)
}

// Contains reports whether the leaf state is active.
func (s StateSet) Contains(state string) bool {
	_, ok := slices.BinarySearch(s, state)
	return ok
}

// Equal reports whether both sets contain exactly the same leaves.
func (s StateSet) Equal(other StateSet) bool {
	return slices.Equal(s, other)
}

// Replace returns a new StateSet with the given leaves removed and added.
// The receiver is not modified.
func (s StateSet) Replace(remove []string, add []string) StateSet {
	out := make([]string, 0, len(s)+len(add))
	for _, leaf := range s {
		if !slices.Contains(remove, leaf) {
			out = append(out, leaf)
		}
	}
	out = append(out, add...)
	return NewStateSet(out...)
}

func (s StateSet) String() string {
	return strings.Join(s, ",")
}

// Instance is the current materialized state of one workflow instance.
// It is mutated only by the executor, one event at a time, and is fully
// reconstructable from the event log (plus an optional snapshot).
type Instance struct {
	WorkflowType string          `json:"workflow_type"`
	InstanceID   uuid.UUID       `json:"instance_id"`
	State        StateSet        `json:"state"`
	Data         json.RawMessage `json:"data,omitempty"`

	// Sequence is the sequence number of the last applied event.
	Sequence uint64 `json:"sequence"`

	// SpecVersion is the specification version in effect for this instance.
	SpecVersion string `json:"spec_version"`

	// Suspended is set when an effect exhausted its retries without a
	// compensating transition, or by the suspend unhandled-event policy.
	// Suspended instances reject new domain events until resumed.
	Suspended bool `json:"suspended,omitempty"`

	// Terminal is set once every active leaf is a terminal state. Terminal
	// instances are never deleted, only marked.
	Terminal bool `json:"terminal,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. The executor works on a copy so a failed append
// never leaves a half-applied instance in the cache.
func (i *Instance) Clone() *Instance {
	out := *i
	out.State = slices.Clone(i.State)
	out.Data = slices.Clone(i.Data)
	return &out
}