package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// fakeClock lets tests advance time deterministically instead of sleeping
// for real durations.
type fakeClock struct {
	now      time.Time
	sleeps   []time.Duration
	sleepErr error
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return c.sleepErr
}

type fakeBus struct {
	batches [][]contracts.Event
	err     error
}

func (b *fakeBus) Publish(ctx context.Context, ev contracts.Event) error {
	return b.PublishBatch(ctx, []contracts.Event{ev})
}

func (b *fakeBus) PublishBatch(ctx context.Context, evs []contracts.Event) error {
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, evs)
	return nil
}

func TestEngine_Run_ExecutesOnceAndMemoizesOnReplay(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	out1, err := e.Run(context.Background(), "step-a", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	out2, err := e.Run(context.Background(), "step-a", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "replay must not re-invoke fn")
	assert.Equal(t, out1, out2)
}

func TestEngine_Run_ResultIsJSONDecodedEvenOnFirstExecution(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	out, err := e.Run(context.Background(), "step-a", func(ctx context.Context) (any, error) {
		return []string{"a", "b"}, nil
	})
	require.NoError(t, err)

	// A concrete []string never survives the engine boundary: every result
	// round-trips through JSON into generic map/slice shapes.
	asSlice, ok := out.([]any)
	require.True(t, ok, "expected []any, got %T", out)
	assert.Equal(t, []any{"a", "b"}, asSlice)
}

func TestEngine_Run_PropagatesStepFuncError(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	wantErr := errors.New("boom")
	_, err := e.Run(context.Background(), "step-a", func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestEngine_Run_ErrorIsNeverMemoized(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	_, err := e.Run(context.Background(), "step-a", fn)
	require.Error(t, err)

	out, err := e.Run(context.Background(), "step-a", fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls)
}

func TestEngine_Sleep_WaitsTheRemainingDuration(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := NewEngine("instance-1", store, bus, clock)

	require.NoError(t, e.Sleep(context.Background(), "sleep-a", time.Minute))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, time.Minute, clock.sleeps[0])
}

func TestEngine_Sleep_ReplayAfterWakeTimePassedReturnsImmediately(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	e := NewEngine("instance-1", store, bus, clock)

	require.NoError(t, e.Sleep(context.Background(), "sleep-a", time.Minute))
	require.Len(t, clock.sleeps, 1)

	// Simulate a crash and replay well after the persisted wake time.
	clock2 := &fakeClock{now: start.Add(time.Hour)}
	e2 := NewEngine("instance-1", store, bus, clock2)
	require.NoError(t, e2.Sleep(context.Background(), "sleep-a", time.Minute))
	assert.Empty(t, clock2.sleeps, "wake time already passed, no further sleep needed")
}

func TestEngine_SendEvent_PublishesOnceAndSkipsOnReplay(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	evs := []contracts.Event{{Name: "fiche/fetch", ID: "ev-1"}}
	require.NoError(t, e.SendEvent(context.Background(), "send-a", evs))
	require.NoError(t, e.SendEvent(context.Background(), "send-a", evs))

	assert.Len(t, bus.batches, 1, "replay of the same send must not re-publish")
}

func TestEngine_SendEvent_PropagatesBusError(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{err: errors.New("bus down")}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	err := e.SendEvent(context.Background(), "send-a", []contracts.Event{{Name: "x", ID: "1"}})
	assert.Error(t, err)
}

func TestEngine_Invoke_MemoizesLikeRun(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, &fakeClock{now: time.Now()})

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return "child-result", nil
	}

	_, err := e.Invoke(context.Background(), "invoke-a", fn)
	require.NoError(t, err)
	_, err = e.Invoke(context.Background(), "invoke-a", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestNewEngine_NilClockDefaultsToRealClock(t *testing.T) {
	store := NewMemoryCheckpointStore()
	bus := &fakeBus{}
	e := NewEngine("instance-1", store, bus, nil)

	out, err := e.Run(context.Background(), "step-a", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
