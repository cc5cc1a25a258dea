package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stato/pkg/api"
)

// RunProjection tails the workflow type's event stream from the projection's
// durable cursor and applies each event, blocking until ctx is canceled.
// Cursors advance only past successfully applied (or skipped) events, so a
// restart resumes exactly where the projection left off. Each projection
// progresses independently; a stuck one never slows the write path.
func (e *Engine) RunProjection(ctx context.Context, p api.Projection) error {
	if p.Name == "" || p.WorkflowType == "" || p.Apply == nil {
		return errors.New("engine: projection needs a name, a workflow type and an apply function")
	}
	if e.cursors == nil {
		return errors.New("engine: no cursor store configured")
	}

	poll := p.PollInterval
	if poll <= 0 {
		poll = e.cfg.ProjectionPollInterval
	}
	batch := p.BatchSize
	if batch <= 0 {
		batch = e.cfg.ProjectionBatch
	}

	ordinal, err := e.cursors.Get(ctx, p.Name, p.WorkflowType)
	if err != nil {
		return fmt.Errorf("engine: projection %s cursor: %w", p.Name, err)
	}

	for {
		events, next, err := e.log.ReadAll(ctx, p.WorkflowType, ordinal, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("projection_read_failed", "projection", p.Name, "error", err)
			if !sleepCtx(ctx, poll) {
				return ctx.Err()
			}
			continue
		}

		applied := true
		for _, ev := range events {
			if err := p.Apply(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if p.SkipOnError {
					e.logger.Warn("projection_event_skipped",
						"projection", p.Name,
						"event_type", ev.Type,
						"sequence", ev.Sequence,
						"error", err,
					)
					continue
				}
				// Stay on the current cursor; the batch is re-read and the
				// failing event retried after the poll interval.
				e.logger.Error("projection_apply_failed",
					"projection", p.Name,
					"event_type", ev.Type,
					"sequence", ev.Sequence,
					"error", err,
				)
				applied = false
				break
			}
		}

		if applied && len(events) > 0 {
			if err := e.cursors.Set(ctx, p.Name, p.WorkflowType, next); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The events will be re-applied; Apply must tolerate that,
				// same as any at-least-once consumer.
				e.logger.Warn("projection_cursor_failed", "projection", p.Name, "error", err)
			} else {
				ordinal = next
			}
			if len(events) == batch {
				continue
			}
		}

		if !sleepCtx(ctx, poll) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
