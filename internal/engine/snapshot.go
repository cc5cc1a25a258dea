package engine

import (
	"slices"
	"time"

	"github.com/petrijr/stato/pkg/api"
)

// maybeSnapshot checkpoints the slot's instance when a threshold is due.
// The snapshot content is captured under the slot lock; the write itself is
// best-effort and runs in the background, since losing a snapshot only costs
// replay time. The slot mutex must be held.
func (e *Engine) maybeSnapshot(s *slot) {
	if e.snapshots == nil || s.inst == nil {
		return
	}
	inst := s.inst
	if inst.Sequence <= s.lastSnapshot {
		return
	}

	due := false
	if e.cfg.SnapshotEvery > 0 && inst.Sequence-s.lastSnapshot >= uint64(e.cfg.SnapshotEvery) {
		due = true
	}
	if e.cfg.SnapshotInterval > 0 && time.Since(s.lastSnapshotAt) >= e.cfg.SnapshotInterval {
		due = true
	}
	if !due {
		return
	}

	snap := api.Snapshot{
		WorkflowType: inst.WorkflowType,
		InstanceID:   inst.InstanceID,
		Sequence:     inst.Sequence,
		State:        slices.Clone(inst.State),
		Data:         slices.Clone(inst.Data),
		SpecVersion:  inst.SpecVersion,
		Suspended:    inst.Suspended,
		Terminal:     inst.Terminal,
		CreatedAt:    time.Now().UTC(),
	}
	s.lastSnapshot = snap.Sequence
	s.lastSnapshotAt = snap.CreatedAt

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.snapshots.Put(e.runCtx, snap)
		if err == nil {
			// Superseded snapshots only occupy space once a newer one is
			// durable.
			if pruneErr := e.snapshots.Prune(e.runCtx, snap.WorkflowType, snap.InstanceID, snap.Sequence); pruneErr != nil {
				e.logger.Warn("snapshot_prune_failed",
					"workflow_type", snap.WorkflowType,
					"instance_id", snap.InstanceID.String(),
					"error", pruneErr,
				)
			}
		}
		e.obs.OnSnapshot(e.runCtx, snap, err)
	}()
}
