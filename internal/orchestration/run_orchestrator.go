package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/auditlog"
)

// RunOrchestrator implements §4.C: the top-level durable workflow for one
// scheduled run. It resolves the work set (manual fiche list or API-mode
// date range), drives Day-Workers or a direct ficheBatch through to
// completion, finalizes the Run record, and fans out notifications.
type RunOrchestrator struct {
	Repo     contracts.Repository
	CRM      contracts.CRMClient
	Realtime contracts.RealtimeBus
	Notify   contracts.Notifier
	Zap      *zap.Logger
	Timings  GateTimings

	DayWorker             *DayWorker
	DayConcurrency        int
	RevalidateConcurrency int // CRM sales-list upfront revalidation, default 2 (§4.C step 3)

	DebugLogDir string // non-empty enables per-run debug text files (AUTOMATION_DEBUG_LOG_TO_FILE)
}

// NewRunOrchestrator wires a RunOrchestrator.
func NewRunOrchestrator(repo contracts.Repository, crm contracts.CRMClient, realtime contracts.RealtimeBus, notify contracts.Notifier, zl *zap.Logger, timings GateTimings, dayWorker *DayWorker, dayConcurrency int, debugLogDir string) *RunOrchestrator {
	return &RunOrchestrator{
		Repo: repo, CRM: crm, Realtime: realtime, Notify: notify, Zap: zl, Timings: timings,
		DayWorker: dayWorker, DayConcurrency: dayConcurrency, RevalidateConcurrency: 2, DebugLogDir: debugLogDir,
	}
}

func jobID(runID contracts.RunID) string { return fmt.Sprintf("automation-run-%s", runID) }

// Execute runs §4.C's full protocol for one `automation/run` trigger.
func (o *RunOrchestrator) Execute(ctx context.Context, engine contracts.Engine, trigger contracts.RunTrigger) (*contracts.Run, error) {
	sched, err := o.Repo.GetSchedule(ctx, trigger.ScheduleID)
	if err != nil {
		return nil, contracts.Classify(contracts.CodeConfigError, fmt.Errorf("loading schedule %s: %w", trigger.ScheduleID, err))
	}
	if !sched.IsActive {
		return nil, contracts.Classify(contracts.CodeConfigError, fmt.Errorf("schedule %s: %w", sched.ID, contracts.ErrScheduleInactive))
	}

	selection := sched.Selection
	if trigger.OverrideSelection != nil {
		selection = *trigger.OverrideSelection
	}

	startedAt := time.Now().UTC()
	dueAt := startedAt
	if trigger.DueAt != nil {
		dueAt = *trigger.DueAt
	}

	run := &contracts.Run{
		ID:              contracts.RunID(uuid.NewString()),
		ScheduleID:      sched.ID,
		Status:          contracts.RunRunning,
		StartedAt:       startedAt,
		PayloadSnapshot: selection,
	}
	if err := o.Repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run for schedule %s: %w", sched.ID, err)
	}
	if err := o.Repo.MarkScheduleTriggered(ctx, sched.ID, dueAt); err != nil {
		return nil, fmt.Errorf("marking schedule %s triggered: %w", sched.ID, err)
	}
	if err := o.Repo.UpdateScheduleStatus(ctx, sched.ID, contracts.RunRunning); err != nil {
		return nil, fmt.Errorf("updating schedule %s status: %w", sched.ID, err)
	}

	log := auditlog.New(o.Zap, o.Repo, run.ID, o.DebugLogDir)
	log.Info(ctx, "run started", map[string]string{"schedule_id": string(sched.ID), "mode": string(selection.Mode)})
	_ = o.Realtime.Publish(ctx, jobID(run.ID), "automation.run.started", run)

	out, workErr := o.computeAndRun(ctx, engine, run, sched, selection, log)
	if workErr != nil {
		log.Error(ctx, "run aborted", map[string]string{"error": workErr.Error()})
	}

	return o.finalize(ctx, engine, run, sched, out, workErr, log)
}

// computeAndRun implements §4.C step 3: resolve the work set (manual or API
// mode) and drive it to completion, returning the aggregated per-fiche
// outcome. A non-nil error here is a hard abort (schedule load/validation
// failure downstream of Run creation); day/fiche-level failures are instead
// folded into the returned aggregate and never returned as an error, so
// finalize always runs against whatever persisted (§9 Open Question b).
func (o *RunOrchestrator) computeAndRun(ctx context.Context, engine contracts.Engine, run *contracts.Run, sched *contracts.Schedule, selection contracts.SelectionSpec, log *auditlog.Logger) (contracts.DayWorkerOutput, error) {
	var out contracts.DayWorkerOutput

	if err := contracts.ValidateSelection(selection); err != nil {
		return out, fmt.Errorf("run %s selection: %w", run.ID, err)
	}

	switch selection.Mode {
	case contracts.SelectionManual:
		ficheIDs := dedupeFicheIDs(selection.FicheIDs, selection.MaxFiches)
		_ = o.Realtime.Publish(ctx, jobID(run.ID), "automation.run.selection", map[string]any{"mode": "manual", "ficheCount": len(ficheIDs)})
		if len(ficheIDs) == 0 {
			log.Info(ctx, "selection matched no fiches", nil)
			return out, nil
		}

		auditConfigIDs, err := resolveAuditConfigIDs(ctx, o.Repo, sched.Stages)
		if err != nil {
			return out, fmt.Errorf("resolving audit configs: %w", err)
		}

		batch := newFicheBatch(o.Repo, o.Timings)
		stepPrefix := fmt.Sprintf("run-%s-manual", run.ID)
		result, err := batch.run(ctx, engine, stepPrefix, ficheBatchInput{
			RunID:              run.ID,
			ScheduleID:         sched.ID,
			FicheIDs:           ficheIDs,
			Stages:             sched.Stages,
			Failure:            sched.Failure,
			GroupFilter:        selection.GroupFilter,
			MaxRecordings:      maxRecordingsOf(selection),
			OnlyWithRecordings: selection.OnlyWithRecordings,
			AuditConfigIDs:     auditConfigIDs,
		})
		if err != nil {
			return out, fmt.Errorf("running manual batch: %w", err)
		}
		return result, nil

	case contracts.SelectionAPI:
		dates := DayOfRange(selection.DateRangeKind, selection.CustomStart, selection.CustomEnd, run.StartedAt)
		_ = o.Realtime.Publish(ctx, jobID(run.ID), "automation.run.selection", map[string]any{"mode": "api", "dateCount": len(dates)})
		if len(dates) == 0 {
			log.Info(ctx, "selection matched no dates", nil)
			return out, nil
		}
		return o.runAPIMode(ctx, engine, run, sched, selection, dates, log), nil

	default:
		return out, fmt.Errorf("unknown selection mode %q", selection.Mode)
	}
}

// runAPIMode implements §4.C step 3's new-architecture path: revalidate each
// date's sales-list upfront at concurrency 2, then dispatch Day-Workers in
// batches of DayConcurrency, stopping further dispatch (but finalizing
// whatever persisted) on the first day failure when ContinueOnError=false
// (§9 Open Question b).
func (o *RunOrchestrator) runAPIMode(ctx context.Context, engine contracts.Engine, run *contracts.Run, sched *contracts.Schedule, selection contracts.SelectionSpec, dates []time.Time, log *auditlog.Logger) contracts.DayWorkerOutput {
	var aggregate contracts.DayWorkerOutput

	revalConcurrency := o.RevalidateConcurrency
	if revalConcurrency <= 0 {
		revalConcurrency = 2
	}
	_, revalErrs := runBounded(ctx, revalConcurrency, dates, func(ctx context.Context, i int, date time.Time) (struct{}, error) {
		return struct{}{}, o.revalidateSalesList(ctx, engine, run.ID, date)
	})
	for i, err := range revalErrs {
		if err != nil {
			log.Warn(ctx, "sales-list revalidation failed", map[string]string{"date": dates[i].Format("2006-01-02"), "error": err.Error()})
		}
	}

	dayConcurrency := o.DayConcurrency
	if dayConcurrency <= 0 {
		dayConcurrency = 3
	}

	for batchStart := 0; batchStart < len(dates); batchStart += dayConcurrency {
		batchEnd := batchStart + dayConcurrency
		if batchEnd > len(dates) {
			batchEnd = len(dates)
		}
		batch := dates[batchStart:batchEnd]

		results, errs := runBounded(ctx, dayConcurrency, batch, func(ctx context.Context, i int, date time.Time) (contracts.DayWorkerOutput, error) {
			return o.invokeDayWorker(ctx, engine, run, sched, selection, date)
		})

		stop := false
		for i, dayOut := range results {
			dateKey := batch[i].Format("2006-01-02")
			if errs[i] != nil {
				log.Warn(ctx, "day failed", map[string]string{"date": dateKey, "error": errs[i].Error()})
				if !sched.Failure.ContinueOnError {
					stop = true
				}
				continue
			}
			aggregate.Successful = append(aggregate.Successful, dayOut.Successful...)
			aggregate.Failed = append(aggregate.Failed, dayOut.Failed...)
			aggregate.Ignored = append(aggregate.Ignored, dayOut.Ignored...)
			aggregate.Transcriptions += dayOut.Transcriptions
			aggregate.Audits += dayOut.Audits
		}

		_ = o.Realtime.Publish(ctx, jobID(run.ID), "automation.run.progress", map[string]any{
			"datesDone":  batchEnd,
			"datesTotal": len(dates),
			"successful": len(aggregate.Successful),
			"failed":     len(aggregate.Failed),
		})

		if stop {
			log.Warn(ctx, "stopping day dispatch after failure (continueOnError=false)", map[string]string{"datesDispatched": fmt.Sprintf("%d/%d", batchEnd, len(dates))})
			break
		}
	}

	return aggregate
}

// revalidateSalesList implements the upfront, run-scoped CRM revalidation
// of §4.C step 3, distinct from (and in addition to) the Day-Worker's own
// per-day fetch: this one is checkpointed under the Run-Orchestrator's own
// step namespace so replay never re-issues it once it lands.
func (o *RunOrchestrator) revalidateSalesList(ctx context.Context, engine contracts.Engine, runID contracts.RunID, date time.Time) error {
	stepName := fmt.Sprintf("run-%s-revalidate-%s", runID, date.Format("2006-01-02"))
	_, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
		summaries, err := o.CRM.ListSalesForDate(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("revalidating sales list for %s: %w", date.Format("2006-01-02"), err)
		}
		for _, s := range summaries {
			row := &contracts.FicheCache{FicheID: s.FicheID, Groupe: strPtr(s.Groupe), RawData: s.RawData}
			if err := o.Repo.UpsertSalesListOnly(ctx, row); err != nil {
				return nil, fmt.Errorf("caching revalidated row %s: %w", s.FicheID, err)
			}
		}
		return len(summaries), nil
	})
	return err
}

// invokeDayWorker runs one Day-Worker as a memoized child invocation
// (§4.E invoke), decoding its JSON-round-tripped result back into
// contracts.DayWorkerOutput.
func (o *RunOrchestrator) invokeDayWorker(ctx context.Context, engine contracts.Engine, run *contracts.Run, sched *contracts.Schedule, selection contracts.SelectionSpec, date time.Time) (contracts.DayWorkerOutput, error) {
	name := fmt.Sprintf("run-%s-day-%s-invoke", run.ID, date.Format("2006-01-02"))
	raw, err := engine.Invoke(ctx, name, func(ctx context.Context) (any, error) {
		return o.DayWorker.Execute(ctx, engine, contracts.DayWorkerInput{
			Date:       date,
			RunID:      run.ID,
			ScheduleID: sched.ID,
			Selection:  selection,
			Stages:     sched.Stages,
			Failure:    sched.Failure,
		})
	})
	if err != nil {
		return contracts.DayWorkerOutput{}, err
	}
	return decodeAs[contracts.DayWorkerOutput](raw)
}

// decodeAs round-trips an engine-returned `any` (already JSON-decoded into
// generic map/slice shapes by the checkpoint store) into a concrete type,
// mirroring the Durable-Step Runtime's own JSON-serializable boundary rule
// (§4.E) on the consuming side.
func decodeAs[T any](raw any) (T, error) {
	var out T
	data, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("re-encoding step result: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding step result: %w", err)
	}
	return out, nil
}

// finalize implements §4.C step 6-7: write terminal Run fields, update the
// Schedule, emit terminal bus/realtime events, and notify.
func (o *RunOrchestrator) finalize(ctx context.Context, engine contracts.Engine, run *contracts.Run, sched *contracts.Schedule, out contracts.DayWorkerOutput, workErr error, log *auditlog.Logger) (*contracts.Run, error) {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(run.StartedAt).Milliseconds()

	run.Status = classifyRunStatus(len(out.Successful), len(out.Failed))
	run.CompletedAt = &completedAt
	run.DurationMs = &durationMs
	run.TotalFiches = len(out.Successful) + len(out.Failed) + len(out.Ignored)
	run.SuccessfulFiches = len(out.Successful)
	run.FailedFiches = len(out.Failed)
	run.IgnoredFiches = len(out.Ignored)
	run.TranscriptionsRun = out.Transcriptions
	run.AuditsRun = out.Audits
	run.ResultSummary = contracts.ResultSummary{Successful: out.Successful, Failed: out.Failed, Ignored: out.Ignored}
	switch {
	case workErr != nil:
		// A hard abort (work-set computation failed outright) always wins
		// over the zero-count "completed" classification, even though no
		// per-fiche failures were recorded.
		run.Status = contracts.RunFailed
		msg := workErr.Error()
		run.ErrorMessage = &msg
	case run.Status == contracts.RunFailed:
		msg := firstFailureReason(out.Failed)
		run.ErrorMessage = &msg
	}

	if err := o.Repo.FinalizeRun(ctx, run); err != nil {
		return run, fmt.Errorf("finalizing run %s: %w", run.ID, err)
	}
	if err := o.Repo.UpdateScheduleStatus(ctx, sched.ID, run.Status); err != nil {
		log.Warn(ctx, "failed to update schedule status after finalize", map[string]string{"error": err.Error()})
	}

	terminalEvent := "automation/completed"
	realtimeChannel := "automation.run.completed"
	if run.Status == contracts.RunFailed {
		terminalEvent = "automation/failed"
		realtimeChannel = "automation.run.failed"
	}
	evID := fmt.Sprintf("run-%s-%s", run.ID, strings.TrimPrefix(terminalEvent, "automation/"))
	if err := engine.SendEvent(ctx, "run-"+string(run.ID)+"-terminal", []contracts.Event{{Name: terminalEvent, ID: evID, Data: mustJSON(run)}}); err != nil {
		log.Warn(ctx, "failed to emit terminal event", map[string]string{"error": err.Error()})
	}
	_ = o.Realtime.Publish(ctx, jobID(run.ID), realtimeChannel, run)

	log.Info(ctx, "run finalized", map[string]string{
		"status":     string(run.Status),
		"successful": fmt.Sprintf("%d", run.SuccessfulFiches),
		"failed":     fmt.Sprintf("%d", run.FailedFiches),
		"ignored":    fmt.Sprintf("%d", run.IgnoredFiches),
	})

	o.sendNotifications(ctx, sched, run, log)
	return run, nil
}

// classifyRunStatus implements §4.C step 6 literally: completed requires
// zero failures (ignored fiches never count against completion), partial
// requires at least one success alongside at least one failure, failed
// means nothing succeeded.
func classifyRunStatus(successful, failed int) contracts.RunStatus {
	switch {
	case failed == 0:
		return contracts.RunCompleted
	case successful > 0:
		return contracts.RunPartial
	default:
		return contracts.RunFailed
	}
}

func firstFailureReason(failed []contracts.FicheOutcomeItem) string {
	if len(failed) == 0 {
		return "run failed"
	}
	return fmt.Sprintf("%s: %s", failed[0].FicheID, failed[0].Reason)
}

// sendNotifications implements §4.C step 7. Best-effort: a delivery failure
// is logged, never propagated, since the Run itself is already finalized.
func (o *RunOrchestrator) sendNotifications(ctx context.Context, sched *contracts.Schedule, run *contracts.Run, log *auditlog.Logger) {
	notifyOnComplete := sched.Notify.NotifyOnComplete && run.Status != contracts.RunFailed
	notifyOnError := sched.Notify.NotifyOnError && run.Status == contracts.RunFailed
	if !notifyOnComplete && !notifyOnError {
		return
	}

	payload := contracts.NotificationPayload{
		ScheduleID:        sched.ID,
		ScheduleName:      sched.Name,
		RunID:             run.ID,
		Status:            run.Status,
		TotalFiches:       run.TotalFiches,
		SuccessfulFiches:  run.SuccessfulFiches,
		FailedFiches:      run.FailedFiches,
		IgnoredFiches:     run.IgnoredFiches,
		TranscriptionsRun: run.TranscriptionsRun,
		AuditsRun:         run.AuditsRun,
		Failures:          run.ResultSummary.Failed,
	}
	if run.DurationMs != nil {
		payload.DurationSeconds = float64(*run.DurationMs) / 1000.0
	}

	if sched.Notify.WebhookURL != "" {
		if err := o.Notify.SendWebhook(ctx, sched.Notify.WebhookURL, payload); err != nil {
			log.Warn(ctx, "webhook notification failed", map[string]string{"error": err.Error()})
		}
	}
	if len(sched.Notify.Emails) > 0 {
		if err := o.Notify.SendEmail(ctx, sched.Notify.Emails, payload); err != nil {
			log.Warn(ctx, "email notification failed", map[string]string{"error": err.Error()})
		}
	}
}

// dedupeFicheIDs implements §4.C step 3's manual-mode "parse/trim/split/
// dedupe the explicit id list, cap by maxFiches".
func dedupeFicheIDs(ids []contracts.FicheID, maxFiches *int) []contracts.FicheID {
	seen := make(map[contracts.FicheID]struct{}, len(ids))
	out := make([]contracts.FicheID, 0, len(ids))
	for _, id := range ids {
		trimmed := contracts.FicheID(strings.TrimSpace(string(id)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if maxFiches != nil && len(out) > *maxFiches {
		out = out[:*maxFiches]
	}
	return out
}

func maxRecordingsOf(sel contracts.SelectionSpec) int {
	if sel.MaxRecordingsPerFiche == nil {
		return 0
	}
	return *sel.MaxRecordingsPerFiche
}
