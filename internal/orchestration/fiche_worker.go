package orchestration

import (
	"context"
	"fmt"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// hardMaxRecordingsCeiling is the absolute ceiling applied regardless of a
// schedule's configured maxRecordingsPerFiche (§9 Design Note).
const hardMaxRecordingsCeiling = 50

// FicheWorker implements the three per-fiche event handlers described by
// §4.A: each is dispatched as a separate bus event (fiche/fetch,
// fiche/transcribe, audit/run) by the fan-out/fan-in logic in fanout.go,
// rather than one monolithic call, so the Run-Orchestrator's gates can
// observe each stage's aggregate progress independently (§4.C step 4).
type FicheWorker struct {
	Repo          contracts.Repository
	CRM           contracts.CRMClient
	Transcription contracts.TranscriptionClient
	Audit         contracts.AuditClient
}

// NewFicheWorker wires a FicheWorker's external collaborators.
func NewFicheWorker(repo contracts.Repository, crm contracts.CRMClient, transcription contracts.TranscriptionClient, audit contracts.AuditClient) *FicheWorker {
	return &FicheWorker{Repo: repo, CRM: crm, Transcription: transcription, Audit: audit}
}

// HandleFetch implements §4.A stage 1: ensure the fiche's full details are
// cached, fetching from the CRM and marking it not-found when the CRM says
// so. Memoized by engine.Run under the fiche/fetch step name so a crash
// never re-issues the CRM call once it has succeeded.
func (w *FicheWorker) HandleFetch(ctx context.Context, engine contracts.Engine, in contracts.FicheWorkerInput) error {
	stepName := stepID(in.RunID, "fetch", in.FicheID, 0)
	_, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
		existing, err := w.Repo.GetFicheCache(ctx, in.FicheID)
		if err != nil {
			return nil, fmt.Errorf("reading fiche cache: %w", err)
		}
		if existing != nil && (existing.IsFullDetails() || existing.IsNotFound()) {
			return "already-settled", nil
		}

		cle := ""
		if existing != nil && existing.Cle != nil {
			cle = *existing.Cle
		}
		details, err := w.CRM.GetFicheDetails(ctx, in.FicheID, cle)
		if err != nil {
			if isFicheNotFound(err) {
				if err := w.Repo.MarkNotFound(ctx, in.FicheID, contracts.NotFoundMarker); err != nil {
					return nil, fmt.Errorf("recording not-found marker: %w", err)
				}
				return "not-found", nil
			}
			return nil, fmt.Errorf("fetching fiche details: %w", err)
		}

		success := true
		row := &contracts.FicheCache{
			FicheID:         in.FicheID,
			Cle:             &details.Cle,
			Groupe:          &details.Groupe,
			RecordingsCount: &details.RecordingsCount,
			HasRecordings:   details.RecordingsCount > 0,
			RawData:         details.RawData,
			DetailsSuccess:  &success,
		}
		if err := w.Repo.UpsertFullDetails(ctx, row, details.Recordings); err != nil {
			return nil, fmt.Errorf("upserting full details: %w", err)
		}
		return "fetched", nil
	})
	return err
}

func isFicheNotFound(err error) bool {
	return wrapsSentinel(err, contracts.ErrFicheNotFound)
}

// applyGroupFilter implements §4.A stage 2. Returns a non-empty ignore
// reason when fc's group is absent from groupFilter (no filter means no
// fiche is excluded).
func applyGroupFilter(fc *contracts.FicheCache, groupFilter []string) string {
	if len(groupFilter) == 0 {
		return ""
	}
	if fc.Groupe == nil {
		return "Groupe not selected"
	}
	for _, g := range groupFilter {
		if g == *fc.Groupe {
			return ""
		}
	}
	return "Groupe not selected"
}

// applyRecordingPolicy implements §4.A stage 3.
func applyRecordingPolicy(count, maxRecordings int, onlyWithRecordings bool) string {
	if maxRecordings <= 0 || maxRecordings > hardMaxRecordingsCeiling {
		maxRecordings = hardMaxRecordingsCeiling
	}
	if count > maxRecordings {
		return "Too many recordings"
	}
	if count == 0 && onlyWithRecordings {
		return "No recordings"
	}
	return ""
}

// HandleTranscribe implements §4.A stage 4 for one recording. recordingIdx
// disambiguates the step/event id across a fiche's multiple recordings.
func (w *FicheWorker) HandleTranscribe(ctx context.Context, engine contracts.Engine, in contracts.FicheWorkerInput, rec contracts.Recording, recordingIdx int) error {
	if rec.HasTranscription && in.SkipIfTranscribed {
		return nil
	}
	stepName := stepID(in.RunID, fmt.Sprintf("transcribe-%d", recordingIdx), in.FicheID, 0)
	_, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
		id, err := w.Transcription.Transcribe(ctx, rec.URL, in.TranscriptionPrio)
		if err != nil {
			return nil, err
		}
		if err := w.Repo.MarkRecordingTranscribed(ctx, rec.ID, id); err != nil {
			return nil, fmt.Errorf("persisting transcription id: %w", err)
		}
		return id, nil
	})
	return err
}

// HandleAudit implements §4.A stage 5 for one (fiche, auditConfig) pair.
func (w *FicheWorker) HandleAudit(ctx context.Context, engine contracts.Engine, in contracts.FicheWorkerInput, fc *contracts.FicheCache, cfg contracts.AuditConfig) error {
	stepName := stepID(in.RunID, "audit-"+string(cfg.ID), in.FicheID, 0)
	_, err := engine.Run(ctx, stepName, func(ctx context.Context) (any, error) {
		runID := in.RunID
		audit := &contracts.Audit{
			FicheCacheID:    fc.ID,
			AuditConfigID:   cfg.ID,
			AutomationRunID: &runID,
			Status:          contracts.AuditRunning,
		}

		result, err := w.Audit.RunAudit(ctx, cfg, fc.RawData, transcriptIDsOf(ctx, w.Repo, fc.ID))
		if err != nil {
			msg := err.Error()
			audit.Status, audit.ErrorMessage = contracts.AuditFailed, &msg
		} else {
			audit.Status, audit.Result = contracts.AuditCompleted, result
		}
		if err := w.Repo.UpsertAuditLatest(ctx, audit); err != nil {
			return nil, fmt.Errorf("persisting audit result: %w", err)
		}
		return "ok", nil
	})
	return err
}

func transcriptIDsOf(ctx context.Context, repo contracts.Repository, ficheCacheID int64) []string {
	recordings, err := repo.ListRecordings(ctx, ficheCacheID)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(recordings))
	for _, r := range recordings {
		if r.TranscriptionID != nil {
			ids = append(ids, *r.TranscriptionID)
		}
	}
	return ids
}
