package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// EngineFactory resolves the contracts.Engine for a given durable-workflow
// instance id. The dispatcher looks engines up by Run id, a different
// namespace from the trigger-event id the Run-Orchestrator runs under.
type EngineFactory func(instanceID string) contracts.Engine

// Dispatcher routes bus events to the FicheWorker handler for their stage.
// It is the piece that turns "fan out an event" into "actually call the
// collaborator", decoupled from the Run-Orchestrator/Day-Worker so it can
// run in-process (MemoryBus.OnPublish) or as a separate consumer loop
// against RedisBus (§4.E "implementable ... with a checkpoint store +
// worker loop").
type Dispatcher struct {
	worker  *FicheWorker
	engines EngineFactory
	log     *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(worker *FicheWorker, engines EngineFactory, log *zap.Logger) *Dispatcher {
	return &Dispatcher{worker: worker, engines: engines, log: log}
}

// Handle decodes ev per its Name and calls the matching FicheWorker method.
// Errors are logged, never panicked: a stalled fiche is picked up again by
// the owning gate's retry wave, not by dispatcher-level retries.
func (d *Dispatcher) Handle(ev contracts.Event) {
	ctx := context.Background()
	var err error
	switch ev.Name {
	case eventFicheFetch:
		err = d.handleFetch(ctx, ev)
	case eventFicheTranscribe:
		err = d.handleTranscribe(ctx, ev)
	case eventAuditRun:
		err = d.handleAudit(ctx, ev)
	default:
		return
	}
	if err != nil {
		d.log.Warn("dispatcher: handler failed", zap.String("event", ev.Name), zap.String("id", ev.ID), zap.Error(err))
	}
}

// ConsumeRedis drains a RedisBus queue until ctx is cancelled, calling
// Handle for every decoded event. Use for a standalone worker-fleet
// deployment instead of the in-process MemoryBus.OnPublish wiring.
func (d *Dispatcher) ConsumeRedis(ctx context.Context, bus redisConsumer) error {
	return bus.Consume(ctx, func(ev contracts.Event) error {
		d.Handle(ev)
		return nil
	})
}

// redisConsumer is the minimal surface Dispatcher.ConsumeRedis needs,
// satisfied by *bus.RedisBus without importing internal/bus here (avoids a
// dependency cycle between internal/bus and internal/orchestration).
type redisConsumer interface {
	Consume(ctx context.Context, handler func(contracts.Event) error) error
}

func decodeEventData(data any, out any) error {
	raw, ok := data.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("re-encoding event payload: %w", err)
		}
		raw = b
	}
	return json.Unmarshal(raw, out)
}

func (d *Dispatcher) handleFetch(ctx context.Context, ev contracts.Event) error {
	var payload ficheFetchPayload
	if err := decodeEventData(ev.Data, &payload); err != nil {
		return fmt.Errorf("decoding fiche/fetch payload: %w", err)
	}
	engine := d.engines(string(payload.Input.RunID))
	return d.worker.HandleFetch(ctx, engine, payload.Input)
}

func (d *Dispatcher) handleTranscribe(ctx context.Context, ev contracts.Event) error {
	var payload ficheTranscribePayload
	if err := decodeEventData(ev.Data, &payload); err != nil {
		return fmt.Errorf("decoding fiche/transcribe payload: %w", err)
	}
	engine := d.engines(string(payload.Input.RunID))
	return d.worker.HandleTranscribe(ctx, engine, payload.Input, payload.Recording, payload.RecordingIdx)
}

func (d *Dispatcher) handleAudit(ctx context.Context, ev contracts.Event) error {
	var payload auditRunPayload
	if err := decodeEventData(ev.Data, &payload); err != nil {
		return fmt.Errorf("decoding audit/run payload: %w", err)
	}
	engine := d.engines(string(payload.Input.RunID))

	configs, err := d.worker.Repo.GetAuditConfigs(ctx, []contracts.AuditConfigID{payload.AuditConfigID})
	if err != nil || len(configs) == 0 {
		return fmt.Errorf("loading audit config %s: %w", payload.AuditConfigID, err)
	}
	fc, err := d.worker.Repo.GetFicheCache(ctx, payload.Input.FicheID)
	if err != nil || fc == nil {
		return fmt.Errorf("reloading fiche cache %s for audit: %w", payload.Input.FicheID, err)
	}
	return d.worker.HandleAudit(ctx, engine, payload.Input, fc, configs[0])
}
