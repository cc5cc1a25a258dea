package engine

import "time"

// publishOutbox drains pending outbox entries to the transport until the
// engine closes. Publication is at-least-once: a crash between Publish and
// MarkPublished re-publishes the event on the next pass, and consumers
// deduplicate by sequence.
func (e *Engine) publishOutbox() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.OutboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.drainOutbox()
		}
	}
}

// drainOutbox publishes pending entries, oldest first, until the backlog is
// empty or a publish fails. A failed publish ends the pass so pressure stays
// on the oldest entry instead of skipping ahead.
func (e *Engine) drainOutbox() {
	for {
		entries, events, err := e.outbox.Pending(e.runCtx, e.cfg.OutboxBatch)
		if err != nil {
			if e.runCtx.Err() == nil {
				e.logger.Error("outbox_read_failed", "error", err)
			}
			return
		}
		if len(entries) == 0 {
			return
		}

		for i, entry := range entries {
			if err := e.transport.Publish(e.runCtx, entry.Topic, events[i]); err != nil {
				if e.runCtx.Err() == nil {
					e.logger.Warn("outbox_publish_failed",
						"topic", entry.Topic,
						"event_id", entry.EventID.String(),
						"attempts", entry.Attempts,
						"error", err,
					)
				}
				return
			}
			if err := e.outbox.MarkPublished(e.runCtx, entry.EventID); err != nil && e.runCtx.Err() == nil {
				e.logger.Warn("outbox_mark_failed",
					"event_id", entry.EventID.String(),
					"error", err,
				)
			}
		}
		if len(entries) < e.cfg.OutboxBatch {
			return
		}
	}
}
