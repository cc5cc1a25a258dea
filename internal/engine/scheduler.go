package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stato/pkg/api"
	"github.com/petrijr/stato/pkg/spec"
)

// scheduleEffects launches one goroutine per declared effect of an applied
// transition. Effects run outside the instance slot so slow collaborators
// never block event processing; their outcomes come back as fresh events
// through the normal submission path, which is what makes them replay-safe.
func (e *Engine) scheduleEffects(inst *api.Instance, trigger api.Event, effects []spec.CompiledEffect) {
	for _, eff := range effects {
		e.wg.Add(1)
		go e.runEffect(inst, trigger, eff)
	}
}

func (e *Engine) runEffect(inst *api.Instance, trigger api.Event, eff spec.CompiledEffect) {
	defer e.wg.Done()

	select {
	case e.effectSem <- struct{}{}:
		defer func() { <-e.effectSem }()
	case <-e.runCtx.Done():
		return
	}

	timeout := eff.Timeout
	if timeout <= 0 {
		timeout = e.cfg.EffectTimeout
	}
	maxAttempts := eff.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.EffectMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.obs.OnEffectStart(e.runCtx, inst, eff.Name, attempt)

		attemptCtx, cancel := context.WithTimeout(e.runCtx, timeout)
		start := time.Now()
		output, err := eff.Invoker.Invoke(attemptCtx, eff.Name, inst.Data)
		cancel()

		e.obs.OnEffectCompleted(e.runCtx, inst, eff.Name, attempt, err, time.Since(start))

		if err == nil {
			e.submitEffectOutcome(api.Event{
				ID:            uuid.New(),
				WorkflowType:  inst.WorkflowType,
				InstanceID:    inst.InstanceID,
				Type:          eff.ResultType,
				Kind:          api.KindDomain,
				Payload:       output,
				CausationID:   &trigger.ID,
				CorrelationID: trigger.CorrelationID,
				At:            time.Now().UTC(),
			}, "")
			return
		}

		lastErr = &api.EffectError{Effect: eff.Name, Attempt: attempt, Err: err}
		if attempt < maxAttempts && !e.sleepBackoff(attempt) {
			return
		}
	}

	// All attempts failed. The failure re-enters as an event: a declared
	// compensating transition consumes it, otherwise the instance is
	// suspended for operator attention.
	payload, _ := json.Marshal(map[string]any{
		"effect":   eff.Name,
		"attempts": maxAttempts,
		"error":    lastErr.Error(),
	})
	e.submitEffectOutcome(api.Event{
		ID:            uuid.New(),
		WorkflowType:  inst.WorkflowType,
		InstanceID:    inst.InstanceID,
		Type:          eff.FailureType,
		Kind:          api.KindDomain,
		Payload:       payload,
		CausationID:   &trigger.ID,
		CorrelationID: trigger.CorrelationID,
		At:            time.Now().UTC(),
	}, spec.PolicySuspend)
}

func (e *Engine) submitEffectOutcome(ev api.Event, override spec.Policy) {
	if _, err := e.submit(e.runCtx, ev, override); err != nil {
		e.logger.Error("effect_outcome_submit_failed",
			"workflow_type", ev.WorkflowType,
			"instance_id", ev.InstanceID.String(),
			"event_type", ev.Type,
			"error", err,
		)
	}
}

// sleepBackoff waits out the exponential backoff for the given attempt,
// jittered to avoid retry storms. It returns false when the engine is
// closing.
func (e *Engine) sleepBackoff(attempt int) bool {
	d := e.cfg.EffectBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.EffectMaxBackoff {
			d = e.cfg.EffectMaxBackoff
			break
		}
	}
	// Full jitter between d/2 and d.
	d = d/2 + time.Duration(rand.Int63n(int64(d/2+1)))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.runCtx.Done():
		return false
	}
}
