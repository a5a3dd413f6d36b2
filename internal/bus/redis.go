package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// dedupTTL bounds how long a dispatched event id is remembered. Long enough
// to cover any realistic retry wave, short enough not to grow the dedup set
// unboundedly.
const dedupTTL = 72 * time.Hour

// RedisBus is a Redis-backed EventBus (SETNX dedup + LPUSH onto a single
// queue list) and RealtimeBus (PUBLISH to a per-job channel), for
// multi-replica deployments.
type RedisBus struct {
	rdb        *redis.Client
	queueKey   string
	dedupPrefix string
}

// NewRedisBus creates a RedisBus. queueKey is the Redis list every published
// event is pushed to; a separate dispatcher process (or the Scheduler
// itself, for single-node deployments) BRPOPs from it.
func NewRedisBus(rdb *redis.Client, queueKey string) *RedisBus {
	return &RedisBus{rdb: rdb, queueKey: queueKey, dedupPrefix: "automation:event:"}
}

type wireEvent struct {
	Name string          `json:"name"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (b *RedisBus) Publish(ctx context.Context, ev contracts.Event) error {
	dedupKey := b.dedupPrefix + ev.ID
	ok, err := b.rdb.SetNX(ctx, dedupKey, 1, dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("dedup check for event %s: %w", ev.ID, err)
	}
	if !ok {
		return fmt.Errorf("event %s: %w", ev.ID, contracts.ErrDuplicateEvent)
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding event %s payload: %w", ev.ID, err)
	}
	payload, err := json.Marshal(wireEvent{Name: ev.Name, ID: ev.ID, Data: data})
	if err != nil {
		return fmt.Errorf("encoding event %s envelope: %w", ev.ID, err)
	}

	if err := b.rdb.LPush(ctx, b.queueKey, payload).Err(); err != nil {
		// Roll back the dedup marker so a genuine retry is not permanently
		// blocked by a queue write that never happened.
		_ = b.rdb.Del(ctx, dedupKey).Err()
		return fmt.Errorf("enqueuing event %s: %w", ev.ID, err)
	}
	return nil
}

// PublishBatch publishes evs one by one in a single pass, skipping events
// whose id was already dispatched (§5). It does not split evs into chunks
// of AUTOMATION_SEND_EVENT_CHUNK_SIZE.
func (b *RedisBus) PublishBatch(ctx context.Context, evs []contracts.Event) error {
	for _, ev := range evs {
		if err := b.Publish(ctx, ev); err != nil {
			if errors.Is(err, contracts.ErrDuplicateEvent) {
				continue
			}
			return err
		}
	}
	return nil
}

// Consume BRPOPs events off queueKey until ctx is cancelled, decoding each
// into a contracts.Event whose Data is left as json.RawMessage so handler
// can unmarshal into the concrete payload type it expects for ev.Name. A
// handler error is discarded here, neither logged nor retried: the original
// publisher's own retry wave (or the stall/retry gate) is what re-dispatches.
func (b *RedisBus) Consume(ctx context.Context, handler func(contracts.Event) error) error {
	for {
		res, err := b.rdb.BRPop(ctx, 5*time.Second, b.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			return fmt.Errorf("consuming from %s: %w", b.queueKey, err)
		}
		if len(res) != 2 {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal([]byte(res[1]), &wire); err != nil {
			continue
		}
		if err := handler(contracts.Event{Name: wire.Name, ID: wire.ID, Data: wire.Data}); err != nil {
			_ = err // discarded: Consume neither logs nor retries handler errors
		}
	}
}

// RealtimePublish publishes payload on a per-job Redis pub-sub channel.
func (b *RedisBus) RealtimePublish(ctx context.Context, jobID, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding realtime payload for job %s: %w", jobID, err)
	}
	topic := fmt.Sprintf("automation:realtime:%s:%s", jobID, channel)
	if err := b.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publishing realtime event for job %s: %w", jobID, err)
	}
	return nil
}

type redisRealtimeAdapter struct{ bus *RedisBus }

func (a redisRealtimeAdapter) Publish(ctx context.Context, jobID, channel string, payload any) error {
	return a.bus.RealtimePublish(ctx, jobID, channel, payload)
}

// AsRealtimeBus adapts b to contracts.RealtimeBus.
func (b *RedisBus) AsRealtimeBus() contracts.RealtimeBus { return redisRealtimeAdapter{bus: b} }

var _ contracts.EventBus = (*RedisBus)(nil)
