package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// gateConfig parameterizes one fan-in barrier (§4.C): poll an aggregate
// count instead of awaiting individual child completions, so the wait
// survives a process restart when driven through engine.Sleep.
type gateConfig struct {
	name         string
	pollInterval time.Duration
	maxWait      time.Duration
	// stallLimit is the number of consecutive no-progress polls before the
	// gate gives up or triggers a retry wave (§4.C: "3 consecutive polls").
	stallLimit int
	// count returns (ready, total) against the current persisted state.
	count func(ctx context.Context) (ready, total int, err error)
	// retry is invoked once per stall, before giving up, when retryFailed is
	// allowed and under maxRetries. It owns bumping Run.RetryWave via
	// Repository.IncrementRetryCounter BEFORE it sends the retry-wave event,
	// so the "-retry-<n>" dedup id it produces is always observable ahead of
	// the send (§9.c) rather than derived from a gate-local counter.
	retry func(ctx context.Context) error
}

// gateResult reports how a gate finished.
type gateResult struct {
	Ready    int
	Total    int
	TimedOut bool
	Stalled  bool
}

// runGate polls cfg.count every cfg.pollInterval (via engine.Sleep, so the
// wait is crash-durable) until ready==total, cfg.maxWait elapses, or
// cfg.stallLimit consecutive polls show no progress. On stall it first
// tries cfg.retry (if non-nil and retries remain), resetting the stall
// counter; once retries are exhausted it returns with Stalled=true so the
// caller can classify the remaining fiches as StageIncomplete (§7).
//
// The wait deadline and every retry wave are themselves checkpointed
// through engine.Run, so a crash-and-restart mid-wait replays the original
// deadline (instead of extending it by another maxWait from the new
// wall-clock time) and never re-dispatches a retry wave it already
// committed.
func runGate(ctx context.Context, engine contracts.Engine, cfg gateConfig, failure contracts.FailurePolicy) (gateResult, error) {
	deadline, err := checkpointedDeadline(ctx, engine, cfg.name, cfg.maxWait)
	if err != nil {
		return gateResult{}, err
	}
	lastReady := -1
	stalls := 0
	wave := 0

	for poll := 0; ; poll++ {
		ready, total, err := cfg.count(ctx)
		if err != nil {
			return gateResult{}, fmt.Errorf("gate %s: counting progress: %w", cfg.name, err)
		}
		if total == 0 || ready >= total {
			return gateResult{Ready: ready, Total: total}, nil
		}
		if time.Now().After(deadline) {
			return gateResult{Ready: ready, Total: total, TimedOut: true}, nil
		}

		if ready == lastReady {
			stalls++
		} else {
			stalls = 0
		}
		lastReady = ready

		if stalls >= cfg.stallLimit {
			if cfg.retry != nil && failure.RetryFailed && wave < failure.MaxRetries {
				wave++
				stepName := fmt.Sprintf("%s-retry-wave-%d", cfg.name, wave)
				if _, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
					return nil, cfg.retry(ctx)
				}); err != nil {
					return gateResult{}, fmt.Errorf("gate %s: dispatching retry wave %d: %w", cfg.name, wave, err)
				}
				stalls = 0
				lastReady = -1
				continue
			}
			return gateResult{Ready: ready, Total: total, Stalled: true}, nil
		}

		stepName := fmt.Sprintf("%s-poll-%d", cfg.name, poll)
		if err := engine.Sleep(ctx, stepName, cfg.pollInterval); err != nil {
			return gateResult{}, fmt.Errorf("gate %s: sleeping before poll %d: %w", cfg.name, poll, err)
		}
	}
}

// checkpointedDeadline memoizes the gate's absolute wait deadline on first
// entry. Replaying the same named step after a restart returns the
// originally computed instant rather than a fresh time.Now().Add(maxWait),
// so the effective wait window is never silently extended by a crash.
func checkpointedDeadline(ctx context.Context, engine contracts.Engine, name string, maxWait time.Duration) (time.Time, error) {
	raw, err := engine.Run(ctx, name+"-deadline", func(ctx context.Context) (any, error) {
		return time.Now().Add(maxWait), nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("gate %s: checkpointing deadline: %w", name, err)
	}
	return decodeAs[time.Time](raw)
}
