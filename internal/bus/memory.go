// Package bus implements contracts.EventBus and contracts.RealtimeBus: an
// in-memory version for tests and single-process deployments, and a
// Redis-backed version for multi-replica deployments that need dedup and
// pub-sub across processes (§4.E, §6).
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// MemoryBus is an in-memory EventBus + RealtimeBus. Delivered events are
// retained for inspection by tests (Published()); dedup is by Event.ID
// within the process lifetime.
type MemoryBus struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	delivered []contracts.Event
	handlers  []func(contracts.Event)

	realtime []realtimeMessage
}

type realtimeMessage struct {
	JobID   string
	Channel string
	Payload any
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{seen: make(map[string]struct{})}
}

// OnPublish registers a handler invoked synchronously for every
// newly-delivered (non-duplicate) event, so tests and the in-process
// dispatcher can drive workers directly off Publish calls.
func (b *MemoryBus) OnPublish(h func(contracts.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *MemoryBus) Publish(_ context.Context, ev contracts.Event) error {
	b.mu.Lock()
	if _, dup := b.seen[ev.ID]; dup {
		b.mu.Unlock()
		return fmt.Errorf("event %s: %w", ev.ID, contracts.ErrDuplicateEvent)
	}
	b.seen[ev.ID] = struct{}{}
	b.delivered = append(b.delivered, ev)
	handlers := append([]func(contracts.Event){}, b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) PublishBatch(ctx context.Context, evs []contracts.Event) error {
	for _, ev := range evs {
		if err := b.Publish(ctx, ev); err != nil && !errors.Is(err, contracts.ErrDuplicateEvent) {
			return err
		}
	}
	return nil
}

// Published returns every event accepted so far, in dispatch order.
func (b *MemoryBus) Published() []contracts.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]contracts.Event, len(b.delivered))
	copy(out, b.delivered)
	return out
}

// RealtimePublish implements contracts.RealtimeBus.
func (b *MemoryBus) RealtimePublish(_ context.Context, jobID, channel string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.realtime = append(b.realtime, realtimeMessage{JobID: jobID, Channel: channel, Payload: payload})
	return nil
}

// Publish implements contracts.RealtimeBus's single method name collision
// avoidance: realtimeBusAdapter exposes Publish(ctx, jobID, channel, payload).
type realtimeBusAdapter struct{ bus *MemoryBus }

func (a realtimeBusAdapter) Publish(ctx context.Context, jobID, channel string, payload any) error {
	return a.bus.RealtimePublish(ctx, jobID, channel, payload)
}

// AsRealtimeBus adapts b to contracts.RealtimeBus.
func (b *MemoryBus) AsRealtimeBus() contracts.RealtimeBus { return realtimeBusAdapter{bus: b} }

var _ contracts.EventBus = (*MemoryBus)(nil)
