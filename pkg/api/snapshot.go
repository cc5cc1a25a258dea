package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a checkpoint of an instance's derived state at a sequence.
// Invariant: Sequence is never greater than the instance's log tail, and
// replaying events strictly after Sequence from this state yields the same
// result as replaying the full history from scratch.
//
// Snapshots are write-once; later snapshots supersede earlier ones.
type Snapshot struct {
	WorkflowType string          `json:"workflow_type"`
	InstanceID   uuid.UUID       `json:"instance_id"`
	Sequence     uint64          `json:"sequence"`
	State        StateSet        `json:"state"`
	Data         json.RawMessage `json:"data,omitempty"`
	SpecVersion  string          `json:"spec_version"`
	Suspended    bool            `json:"suspended,omitempty"`
	Terminal     bool            `json:"terminal,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Restore materializes an Instance from the snapshot.
func (s *Snapshot) Restore() *Instance {
	return &Instance{
		WorkflowType: s.WorkflowType,
		InstanceID:   s.InstanceID,
		State:        NewStateSet(s.State...),
		Data:         append(json.RawMessage(nil), s.Data...),
		Sequence:     s.Sequence,
		SpecVersion:  s.SpecVersion,
		Suspended:    s.Suspended,
		Terminal:     s.Terminal,
		UpdatedAt:    s.CreatedAt,
	}
}
