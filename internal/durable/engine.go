// Package durable implements the Durable-Step Runtime abstraction (§4.E):
// checkpointed step execution with memoized results, durable sleep,
// deterministic event dispatch, and child invocation, on top of a
// CheckpointStore so a process restart replays rather than re-executes.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Clock abstracts time.Now/time.Sleep so sleep durability can be tested
// without a real wall-clock wait.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the production Clock.
func RealClock() Clock { return realClock{} }

// engine implements contracts.Engine for one workflow instance (a single
// Run, Day-Worker, or Fiche-Worker invocation identified by instanceID).
// Pure, side-effect-free code runs between step calls; every suspension
// point (Run, Sleep, SendEvent, Invoke) is checkpointed here.
type engine struct {
	instanceID string
	store      CheckpointStore
	bus        contracts.EventBus
	clock      Clock
}

// NewEngine creates an Engine scoped to one workflow instance.
func NewEngine(instanceID string, store CheckpointStore, bus contracts.EventBus, clock Clock) contracts.Engine {
	if clock == nil {
		clock = RealClock()
	}
	return &engine{instanceID: instanceID, store: store, bus: bus, clock: clock}
}

// Run executes fn once per logical name; replays return the memoized
// result without invoking fn again.
func (e *engine) Run(ctx context.Context, name string, fn contracts.StepFunc) (any, error) {
	if raw, ok, err := e.store.Get(ctx, e.instanceID, name); err != nil {
		return nil, fmt.Errorf("checkpoint lookup for step %q: %w", name, err)
	} else if ok {
		return decodeAny(raw)
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("step %q result not JSON-serializable: %w", name, err)
	}
	if err := e.store.Put(ctx, e.instanceID, name, raw); err != nil {
		return nil, fmt.Errorf("checkpointing step %q: %w", name, err)
	}
	return decodeAny(raw)
}

// sleepCheckpoint is the memoized "wake at" instant for a durable sleep.
type sleepCheckpoint struct {
	WakeAt time.Time `json:"wakeAt"`
}

// Sleep durably waits dur under name. On replay after a crash, if the
// persisted wake time has already passed, Sleep returns immediately;
// otherwise it waits out the remainder.
func (e *engine) Sleep(ctx context.Context, name string, dur time.Duration) error {
	var wake sleepCheckpoint
	if raw, ok, err := e.store.Get(ctx, e.instanceID, name); err != nil {
		return fmt.Errorf("checkpoint lookup for sleep %q: %w", name, err)
	} else if ok {
		if err := json.Unmarshal(raw, &wake); err != nil {
			return fmt.Errorf("decoding sleep checkpoint %q: %w", name, err)
		}
	} else {
		wake = sleepCheckpoint{WakeAt: e.clock.Now().Add(dur)}
		raw, err := json.Marshal(wake)
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, e.instanceID, name, raw); err != nil {
			return fmt.Errorf("checkpointing sleep %q: %w", name, err)
		}
	}

	remaining := wake.WakeAt.Sub(e.clock.Now())
	if remaining <= 0 {
		return nil
	}
	return e.clock.Sleep(ctx, remaining)
}

// SendEvent publishes events through the injected bus; deterministic event
// ids make this safe to replay (the bus dedupes by Event.ID).
func (e *engine) SendEvent(ctx context.Context, name string, evs []contracts.Event) error {
	if raw, ok, err := e.store.Get(ctx, e.instanceID, name); err != nil {
		return fmt.Errorf("checkpoint lookup for send %q: %w", name, err)
	} else if ok {
		_ = raw
		return nil // already dispatched this replay epoch
	}

	if err := e.bus.PublishBatch(ctx, evs); err != nil {
		return fmt.Errorf("publishing batch %q: %w", name, err)
	}

	raw, err := json.Marshal(struct{ Dispatched int }{len(evs)})
	if err != nil {
		return err
	}
	return e.store.Put(ctx, e.instanceID, name, raw)
}

// Invoke runs fn synchronously as a named child step, memoizing its result
// exactly like Run. Distinguished from Run only by convention (Invoke is
// used for child-workflow bodies such as a Fiche-Worker call).
func (e *engine) Invoke(ctx context.Context, name string, fn contracts.StepFunc) (any, error) {
	return e.Run(ctx, name, fn)
}

func decodeAny(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding memoized result: %w", err)
	}
	return v, nil
}
