package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// GateTimings carries the per-gate poll interval / max wait / stall limit
// parameters sourced from config (§5), so fanout.go never hardcodes them.
type GateTimings struct {
	FicheDetailsPollInterval   time.Duration
	FicheDetailsMaxWait        time.Duration
	TranscriptionPollInterval  time.Duration
	TranscriptionMaxWait       time.Duration
	AuditPollInterval          time.Duration
	AuditMaxWait               time.Duration
	StallLimit                 int
}

const (
	eventFicheFetch      = "fiche/fetch"
	eventFicheTranscribe = "fiche/transcribe"
	eventAuditRun        = "audit/run"
)

// ficheFetchPayload is the wire payload of a fiche/fetch event.
type ficheFetchPayload struct {
	Input contracts.FicheWorkerInput `json:"input"`
}

// ficheTranscribePayload is the wire payload of a fiche/transcribe event.
type ficheTranscribePayload struct {
	Input        contracts.FicheWorkerInput `json:"input"`
	Recording    contracts.Recording        `json:"recording"`
	RecordingIdx int                        `json:"recordingIdx"`
}

// auditRunPayload is the wire payload of an audit/run event.
type auditRunPayload struct {
	Input         contracts.FicheWorkerInput `json:"input"`
	FicheCacheID  int64                      `json:"ficheCacheId"`
	AuditConfigID contracts.AuditConfigID    `json:"auditConfigId"`
}

// ficheBatch is the shared fan-out/fan-in unit behind both the Day-Worker
// (one date's fiches, §4.B) and manual-mode Run-Orchestrator dispatch (the
// whole run's explicit fiche list, §4.C step 3): dispatch events for a
// stage, durably wait on its aggregate-count gate (§4.C step 4), then move
// to the next stage. A crash mid-batch resumes cleanly because every
// engine.Sleep/Run call is checkpointed by name.
type ficheBatch struct {
	repo    contracts.Repository
	timings GateTimings
}

func newFicheBatch(repo contracts.Repository, timings GateTimings) *ficheBatch {
	return &ficheBatch{repo: repo, timings: timings}
}

type ficheBatchInput struct {
	RunID              contracts.RunID
	ScheduleID         contracts.ScheduleID
	FicheIDs           []contracts.FicheID
	Stages             contracts.StageFlags
	Failure            contracts.FailurePolicy
	GroupFilter        []string
	MaxRecordings      int
	OnlyWithRecordings bool
	AuditConfigIDs     []contracts.AuditConfigID
}

// run dispatches stepPrefix-scoped events for in.FicheIDs through the
// fetch/transcribe/audit stages in order, waiting on each stage's gate
// before advancing, and returns the aggregated per-fiche outcome.
func (b *ficheBatch) run(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput) (contracts.DayWorkerOutput, error) {
	out := contracts.DayWorkerOutput{}
	if len(in.FicheIDs) == 0 {
		return out, nil
	}

	if err := b.dispatchFetch(ctx, engine, stepPrefix, in, 0); err != nil {
		return out, fmt.Errorf("dispatching fiche/fetch: %w", err)
	}

	detailsGate := gateConfig{
		name:         stepPrefix + "-details",
		pollInterval: b.timings.FicheDetailsPollInterval,
		maxWait:      b.timings.FicheDetailsMaxWait,
		stallLimit:   b.timings.StallLimit,
		count: func(ctx context.Context) (int, int, error) {
			counts, err := b.repo.CountFicheDetailsReady(ctx, in.FicheIDs)
			if err != nil {
				return 0, 0, err
			}
			return counts.Ready, counts.Targeted, nil
		},
		retry: func(ctx context.Context) error {
			wave, err := b.repo.IncrementRetryCounter(ctx, in.RunID)
			if err != nil {
				return fmt.Errorf("bumping retry counter: %w", err)
			}
			return b.dispatchFetch(ctx, engine, stepPrefix, in, wave)
		},
	}
	if _, err := runGate(ctx, engine, detailsGate, in.Failure); err != nil {
		return out, err
	}

	eligible, ficheCache, err := b.classifyAfterDetails(ctx, in)
	if err != nil {
		return out, err
	}

	if in.Stages.RunTranscription && len(eligible) > 0 {
		if err := b.runTranscriptionStage(ctx, engine, stepPrefix, in, eligible, ficheCache); err != nil {
			return out, err
		}
	}

	if in.Stages.RunAudits && len(in.AuditConfigIDs) > 0 && len(eligible) > 0 {
		if err := b.runAuditStage(ctx, engine, stepPrefix, in, eligible, ficheCache); err != nil {
			return out, err
		}
	}

	return b.attribute(ctx, in, ficheCache)
}

// classifyAfterDetails applies §4.A stages 2-3 to every fiche whose details
// settled, returning the subset eligible for transcription/audit.
func (b *ficheBatch) classifyAfterDetails(ctx context.Context, in ficheBatchInput) ([]contracts.FicheID, map[contracts.FicheID]*contracts.FicheCache, error) {
	cache := make(map[contracts.FicheID]*contracts.FicheCache, len(in.FicheIDs))
	var eligible []contracts.FicheID

	for _, fid := range in.FicheIDs {
		fc, err := b.repo.GetFicheCache(ctx, fid)
		if err != nil {
			return nil, nil, fmt.Errorf("reading fiche cache for %s: %w", fid, err)
		}
		cache[fid] = fc
		if fc == nil || !fc.IsFullDetails() {
			continue
		}
		if reason := applyGroupFilter(fc, in.GroupFilter); reason != "" {
			continue
		}
		recordings, err := b.repo.ListRecordings(ctx, fc.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("listing recordings for %s: %w", fid, err)
		}
		if reason := applyRecordingPolicy(len(recordings), in.MaxRecordings, in.OnlyWithRecordings); reason != "" {
			continue
		}
		eligible = append(eligible, fid)
	}
	return eligible, cache, nil
}

func (b *ficheBatch) runTranscriptionStage(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput, eligible []contracts.FicheID, cache map[contracts.FicheID]*contracts.FicheCache) error {
	ficheCacheIDs := make([]int64, 0, len(eligible))
	for _, fid := range eligible {
		ficheCacheIDs = append(ficheCacheIDs, cache[fid].ID)
	}

	if err := b.dispatchTranscribe(ctx, engine, stepPrefix, in, eligible, cache, 0); err != nil {
		return fmt.Errorf("dispatching fiche/transcribe: %w", err)
	}

	gate := gateConfig{
		name:         stepPrefix + "-transcription",
		pollInterval: b.timings.TranscriptionPollInterval,
		maxWait:      b.timings.TranscriptionMaxWait,
		stallLimit:   b.timings.StallLimit,
		count: func(ctx context.Context) (int, int, error) {
			return sumTranscriptionCounts(ctx, b.repo, ficheCacheIDs)
		},
		retry: func(ctx context.Context) error {
			wave, err := b.repo.IncrementRetryCounter(ctx, in.RunID)
			if err != nil {
				return fmt.Errorf("bumping retry counter: %w", err)
			}
			return b.dispatchTranscribe(ctx, engine, stepPrefix, in, eligible, cache, wave)
		},
	}
	_, err := runGate(ctx, engine, gate, in.Failure)
	return err
}

func sumTranscriptionCounts(ctx context.Context, repo contracts.Repository, ficheCacheIDs []int64) (ready, total int, err error) {
	counts, err := repo.CountTranscriptions(ctx, ficheCacheIDs)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range counts {
		if c.Total == 0 {
			continue
		}
		total++
		if c.Transcribed >= c.Total {
			ready++
		}
	}
	return ready, total, nil
}

func (b *ficheBatch) runAuditStage(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput, eligible []contracts.FicheID, cache map[contracts.FicheID]*contracts.FicheCache) error {
	ficheCacheIDs := make([]int64, 0, len(eligible))
	for _, fid := range eligible {
		ficheCacheIDs = append(ficheCacheIDs, cache[fid].ID)
	}
	configsCount := len(in.AuditConfigIDs)

	if err := b.dispatchAudit(ctx, engine, stepPrefix, in, eligible, cache, 0); err != nil {
		return fmt.Errorf("dispatching audit/run: %w", err)
	}

	gate := gateConfig{
		name:         stepPrefix + "-audit",
		pollInterval: b.timings.AuditPollInterval,
		maxWait:      b.timings.AuditMaxWait,
		stallLimit:   b.timings.StallLimit,
		count: func(ctx context.Context) (int, int, error) {
			counts, err := b.repo.CountAudits(ctx, in.RunID, ficheCacheIDs)
			if err != nil {
				return 0, 0, err
			}
			ready := 0
			for _, c := range counts {
				if c.Completed+c.Failed >= configsCount {
					ready++
				}
			}
			return ready, len(ficheCacheIDs), nil
		},
		retry: func(ctx context.Context) error {
			wave, err := b.repo.IncrementRetryCounter(ctx, in.RunID)
			if err != nil {
				return fmt.Errorf("bumping retry counter: %w", err)
			}
			return b.dispatchAudit(ctx, engine, stepPrefix, in, eligible, cache, wave)
		},
	}
	_, err := runGate(ctx, engine, gate, in.Failure)
	return err
}

// attribute implements §4.C step 5: not-found -> ignored; fiches that never
// settled or whose required stages never completed -> failed; everything
// else -> successful. Transcription/audit counters are summed across all
// fiches in the batch per the new-architecture rule (§9 Open Question a).
func (b *ficheBatch) attribute(ctx context.Context, in ficheBatchInput, cache map[contracts.FicheID]*contracts.FicheCache) (contracts.DayWorkerOutput, error) {
	out := contracts.DayWorkerOutput{}

	for _, fid := range in.FicheIDs {
		fc := cache[fid]
		switch {
		case fc == nil:
			out.Failed = append(out.Failed, contracts.FicheOutcomeItem{FicheID: fid, Reason: "fiche details never arrived"})
			continue
		case fc.IsNotFound():
			out.Ignored = append(out.Ignored, contracts.FicheOutcomeItem{FicheID: fid, Reason: contracts.NotFoundMarker})
			continue
		case !fc.IsFullDetails():
			out.Failed = append(out.Failed, contracts.FicheOutcomeItem{FicheID: fid, Reason: "fiche details stage incomplete"})
			continue
		}

		if reason := applyGroupFilter(fc, in.GroupFilter); reason != "" {
			out.Ignored = append(out.Ignored, contracts.FicheOutcomeItem{FicheID: fid, Reason: reason})
			continue
		}
		recordings, err := b.repo.ListRecordings(ctx, fc.ID)
		if err != nil {
			return out, fmt.Errorf("listing recordings for %s: %w", fid, err)
		}
		if reason := applyRecordingPolicy(len(recordings), in.MaxRecordings, in.OnlyWithRecordings); reason != "" {
			out.Ignored = append(out.Ignored, contracts.FicheOutcomeItem{FicheID: fid, Reason: reason})
			continue
		}

		if in.Stages.RunTranscription && len(recordings) > 0 {
			transcribed := 0
			for _, r := range recordings {
				if r.TranscriptionID != nil {
					transcribed++
				}
			}
			if transcribed < len(recordings) {
				out.Failed = append(out.Failed, contracts.FicheOutcomeItem{FicheID: fid, Reason: "transcription stage incomplete"})
				continue
			}
			out.Transcriptions++
		}

		if in.Stages.RunAudits && len(in.AuditConfigIDs) > 0 {
			counts, err := b.repo.CountAudits(ctx, in.RunID, []int64{fc.ID})
			if err != nil {
				return out, fmt.Errorf("counting audits for %s: %w", fid, err)
			}
			done, failed := 0, 0
			for _, c := range counts {
				done, failed = c.Completed, c.Failed
			}
			if done+failed < len(in.AuditConfigIDs) {
				out.Failed = append(out.Failed, contracts.FicheOutcomeItem{FicheID: fid, Reason: "audit stage incomplete"})
				continue
			}
			if failed > 0 {
				out.Failed = append(out.Failed, contracts.FicheOutcomeItem{FicheID: fid, Reason: "audit failed"})
				continue
			}
			out.Audits++
		}

		out.Successful = append(out.Successful, fid)
	}
	return out, nil
}

func (b *ficheBatch) dispatchFetch(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput, wave int) error {
	evs := make([]contracts.Event, 0, len(in.FicheIDs))
	for _, fid := range in.FicheIDs {
		payload := ficheFetchPayload{Input: contracts.FicheWorkerInput{
			FicheID:    fid,
			ScheduleID: in.ScheduleID,
			RunID:      in.RunID,
		}}
		evs = append(evs, contracts.Event{Name: eventFicheFetch, ID: stepID(in.RunID, "fetch", fid, wave), Data: mustJSON(payload)})
	}
	name := fmt.Sprintf("%s-dispatch-fetch-wave-%d", stepPrefix, wave)
	return engine.SendEvent(ctx, name, evs)
}

func (b *ficheBatch) dispatchTranscribe(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput, eligible []contracts.FicheID, cache map[contracts.FicheID]*contracts.FicheCache, wave int) error {
	var evs []contracts.Event
	for _, fid := range eligible {
		fc := cache[fid]
		recordings, err := b.repo.ListRecordings(ctx, fc.ID)
		if err != nil {
			return fmt.Errorf("listing recordings for %s: %w", fid, err)
		}
		for i, rec := range recordings {
			if rec.HasTranscription && in.Stages.SkipIfTranscribed {
				continue
			}
			payload := ficheTranscribePayload{
				Input: contracts.FicheWorkerInput{
					FicheID:           fid,
					ScheduleID:        in.ScheduleID,
					RunID:             in.RunID,
					SkipIfTranscribed: in.Stages.SkipIfTranscribed,
					TranscriptionPrio: in.Stages.TranscriptionPriority,
				},
				Recording:    rec,
				RecordingIdx: i,
			}
			evs = append(evs, contracts.Event{
				Name: eventFicheTranscribe,
				ID:   stepID(in.RunID, fmt.Sprintf("transcribe-%d", i), fid, wave),
				Data: mustJSON(payload),
			})
		}
	}
	if len(evs) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s-dispatch-transcribe-wave-%d", stepPrefix, wave)
	return engine.SendEvent(ctx, name, evs)
}

func (b *ficheBatch) dispatchAudit(ctx context.Context, engine contracts.Engine, stepPrefix string, in ficheBatchInput, eligible []contracts.FicheID, cache map[contracts.FicheID]*contracts.FicheCache, wave int) error {
	var evs []contracts.Event
	for _, fid := range eligible {
		fc := cache[fid]
		for _, cfgID := range in.AuditConfigIDs {
			payload := auditRunPayload{
				Input:         contracts.FicheWorkerInput{FicheID: fid, ScheduleID: in.ScheduleID, RunID: in.RunID, AuditConfigID: cfgID},
				FicheCacheID:  fc.ID,
				AuditConfigID: cfgID,
			}
			evs = append(evs, contracts.Event{
				Name: eventAuditRun,
				ID:   stepID(in.RunID, "audit-"+string(cfgID), fid, wave),
				Data: mustJSON(payload),
			})
		}
	}
	if len(evs) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s-dispatch-audit-wave-%d", stepPrefix, wave)
	return engine.SendEvent(ctx, name, evs)
}

// mustJSON round-trips v through JSON so every bus implementation (in-memory
// or Redis) sees the same any-typed shape an event consumer must decode,
// matching the Durable-Step Runtime's JSON-serializable boundary rule (§4.E).
func mustJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("orchestration: payload not JSON-serializable: %v", err))
	}
	return json.RawMessage(data)
}

// resolveAuditConfigIDs implements §4.C step 4's "Audit gate" config
// resolution: dedup union of specificAuditConfigs and, if useAutomaticAudits,
// every config flagged automatic.
func resolveAuditConfigIDs(ctx context.Context, repo contracts.Repository, stages contracts.StageFlags) ([]contracts.AuditConfigID, error) {
	seen := map[contracts.AuditConfigID]struct{}{}
	var out []contracts.AuditConfigID
	add := func(id contracts.AuditConfigID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range stages.SpecificAuditConfigs {
		add(id)
	}
	if stages.UseAutomaticAudits {
		automatic, err := repo.ListAutomaticAuditConfigs(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing automatic audit configs: %w", err)
		}
		for _, cfg := range automatic {
			add(cfg.ID)
		}
	}
	return out, nil
}
