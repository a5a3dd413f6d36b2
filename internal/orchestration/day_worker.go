package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// DayWorker implements §4.B: fetch one day's sales-list, cache it as
// sales-list-only (never clobbering full-details), select the fiches this
// run should process, then fan out and wait for them through ficheBatch.
type DayWorker struct {
	Repo    contracts.Repository
	CRM     contracts.CRMClient
	Timings GateTimings
}

// NewDayWorker wires a DayWorker.
func NewDayWorker(repo contracts.Repository, crm contracts.CRMClient, timings GateTimings) *DayWorker {
	return &DayWorker{Repo: repo, CRM: crm, Timings: timings}
}

// Execute implements §4.B's contract and edge case: a CRM failure that
// survives the client's own retries either fails the whole day (propagated)
// or, under continueOnError, is swallowed: the day returns an empty output
// and a nil error, and nothing records the day itself as failed.
func (w *DayWorker) Execute(ctx context.Context, engine contracts.Engine, in contracts.DayWorkerInput) (contracts.DayWorkerOutput, error) {
	out := contracts.DayWorkerOutput{Date: in.Date}
	dateKey := in.Date.Format("2006-01-02")
	stepPrefix := fmt.Sprintf("run-%s-day-%s", in.RunID, dateKey)

	ficheIDs, err := w.fetchAndCacheSalesList(ctx, engine, stepPrefix, in)
	if err != nil {
		if in.Failure.ContinueOnError {
			return out, nil
		}
		return out, fmt.Errorf("day %s: %w", dateKey, err)
	}

	ficheIDs = w.applySelectionCaps(ctx, ficheIDs, in.Selection)
	if len(ficheIDs) == 0 {
		return out, nil
	}

	auditConfigIDs, err := resolveAuditConfigIDs(ctx, w.Repo, in.Stages)
	if err != nil {
		return out, fmt.Errorf("day %s: %w", dateKey, err)
	}

	maxRecordings := 0
	if in.Selection.MaxRecordingsPerFiche != nil {
		maxRecordings = *in.Selection.MaxRecordingsPerFiche
	}

	batch := newFicheBatch(w.Repo, w.Timings)
	result, err := batch.run(ctx, engine, stepPrefix, ficheBatchInput{
		RunID:              in.RunID,
		ScheduleID:         in.ScheduleID,
		FicheIDs:           ficheIDs,
		Stages:             in.Stages,
		Failure:            in.Failure,
		GroupFilter:        in.Selection.GroupFilter,
		MaxRecordings:      maxRecordings,
		OnlyWithRecordings: in.Selection.OnlyWithRecordings,
		AuditConfigIDs:     auditConfigIDs,
	})
	if err != nil {
		return out, fmt.Errorf("day %s: %w", dateKey, err)
	}

	result.Date = in.Date
	return result, nil
}

// fetchAndCacheSalesList implements the CRM fetch + sales-list-only cache
// write, checkpointed as one step so a crash never re-fetches a day that
// already cached successfully. Retries/backoff (3 attempts, 2s/4s) live
// inside the CRMClient implementation; this step simply surfaces the
// terminal error after they're exhausted.
func (w *DayWorker) fetchAndCacheSalesList(ctx context.Context, engine contracts.Engine, stepPrefix string, in contracts.DayWorkerInput) ([]contracts.FicheID, error) {
	stepName := stepPrefix + "-sales-list"
	result, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
		summaries, err := w.CRM.ListSalesForDate(ctx, in.Date)
		if err != nil {
			return nil, fmt.Errorf("fetching sales list: %w", err)
		}

		ids := make([]string, 0, len(summaries))
		for _, s := range summaries {
			row := &contracts.FicheCache{
				FicheID: s.FicheID,
				Groupe:  strPtr(s.Groupe),
				RawData: s.RawData,
			}
			if err := w.Repo.UpsertSalesListOnly(ctx, row); err != nil {
				return nil, fmt.Errorf("caching sales-list row %s: %w", s.FicheID, err)
			}
			ids = append(ids, string(s.FicheID))
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]any)
	if !ok {
		return nil, nil
	}
	ids := make([]contracts.FicheID, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, contracts.FicheID(s))
		}
	}
	return ids, nil
}

func strPtr(s string) *string { return &s }

// applySelectionCaps implements §4.B "selects fiche ids subject to
// maxFiches and onlyUnaudited".
func (w *DayWorker) applySelectionCaps(ctx context.Context, ficheIDs []contracts.FicheID, sel contracts.SelectionSpec) []contracts.FicheID {
	if sel.OnlyUnaudited {
		filtered := make([]contracts.FicheID, 0, len(ficheIDs))
		for _, fid := range ficheIDs {
			fc, err := w.Repo.GetFicheCache(ctx, fid)
			if err != nil || fc == nil {
				filtered = append(filtered, fid)
				continue
			}
			audited, err := w.Repo.HasCompletedAudit(ctx, fc.ID)
			if err != nil || !audited {
				filtered = append(filtered, fid)
			}
		}
		ficheIDs = filtered
	}

	if sel.MaxFiches != nil && len(ficheIDs) > *sel.MaxFiches {
		ficheIDs = ficheIDs[:*sel.MaxFiches]
	}
	return ficheIDs
}

// DayOfRange lists the inclusive sequence of dates a DateRangeKind covers,
// anchored at "today" (§4.C step 3 "compute the ordered list of dates").
func DayOfRange(kind contracts.DateRangeKind, customStart, customEnd *time.Time, today time.Time) []time.Time {
	start, end := today, today
	switch kind {
	case contracts.DateRangeToday:
		start, end = today, today
	case contracts.DateRangeYesterday:
		start, end = today.AddDate(0, 0, -1), today.AddDate(0, 0, -1)
	case contracts.DateRangeLast7Days:
		start, end = today.AddDate(0, 0, -6), today
	case contracts.DateRangeLast30Days:
		start, end = today.AddDate(0, 0, -29), today
	case contracts.DateRangeCustom:
		if customStart != nil {
			start = *customStart
		}
		if customEnd != nil {
			end = *customEnd
		}
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
