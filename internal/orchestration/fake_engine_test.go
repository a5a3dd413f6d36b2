package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// fakeEngine is a minimal in-memory contracts.Engine for unit tests: Run and
// Invoke call fn and then JSON round-trip the result, matching the real
// durable engine's "every step result is JSON-serialized and decoded back
// into generic map/slice shapes" behavior (internal/durable/engine.go) even
// on first execution, so callers that type-assert a step result into []any
// or map[string]any behave identically under test (no real memoization,
// since each test constructs a fresh instance per run). Sleep/SendEvent just
// record calls so tests can assert on gate/worker behavior without a
// durable store or event bus.
type fakeEngine struct {
	sleeps       []string
	sentEvents   [][]contracts.Event
	sleepErr     error
	sendEventErr error
}

func (f *fakeEngine) Run(ctx context.Context, name string, fn contracts.StepFunc) (any, error) {
	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return roundTripJSON(result)
}

func (f *fakeEngine) Sleep(ctx context.Context, name string, dur time.Duration) error {
	f.sleeps = append(f.sleeps, name)
	return f.sleepErr
}

func (f *fakeEngine) SendEvent(ctx context.Context, name string, evs []contracts.Event) error {
	f.sentEvents = append(f.sentEvents, evs)
	return f.sendEventErr
}

func (f *fakeEngine) Invoke(ctx context.Context, name string, fn contracts.StepFunc) (any, error) {
	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return roundTripJSON(result)
}

func roundTripJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
