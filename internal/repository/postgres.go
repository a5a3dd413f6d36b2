package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// uniqueViolation is the Postgres SQLSTATE for a unique-constraint conflict.
const uniqueViolation = "23505"

// PostgresRepository is the production Repository, backed by pgx/pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresRepository wraps an already-configured pgxpool.Pool.
func NewPostgresRepository(pool *pgxpool.Pool, log *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, log: log.With(zap.String("component", "postgres_repository"))}
}

// row is the minimal subset of pgx.Row/pgx.Rows used by the scan* helpers.
type row interface {
	Scan(dest ...any) error
}

func scanSchedule(r row) (*contracts.Schedule, error) {
	var s contracts.Schedule
	var dayOfWeek, dayOfMonth *int
	var selectionJSON, stagesJSON, failureJSON, notifyJSON []byte
	var lastRunAt *time.Time
	err := r.Scan(
		&s.ID, &s.Name, &s.IsActive, &s.Type,
		&s.CronExpression, &s.Timezone, &s.TimeOfDay, &dayOfWeek, &dayOfMonth,
		&selectionJSON, &stagesJSON, &failureJSON, &notifyJSON,
		&lastRunAt, &s.LastRunStatus,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("schedule: %w", contracts.ErrScheduleNotFound)
		}
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	s.DayOfWeek, s.DayOfMonth, s.LastRunAt = dayOfWeek, dayOfMonth, lastRunAt
	if err := json.Unmarshal(selectionJSON, &s.Selection); err != nil {
		return nil, fmt.Errorf("decoding selection: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &s.Stages); err != nil {
		return nil, fmt.Errorf("decoding stages: %w", err)
	}
	if err := json.Unmarshal(failureJSON, &s.Failure); err != nil {
		return nil, fmt.Errorf("decoding failure policy: %w", err)
	}
	if err := json.Unmarshal(notifyJSON, &s.Notify); err != nil {
		return nil, fmt.Errorf("decoding notification settings: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) GetSchedule(ctx context.Context, id contracts.ScheduleID) (*contracts.Schedule, error) {
	const query = `
		SELECT id, name, is_active, type,
		       cron_expression, timezone, time_of_day, day_of_week, day_of_month,
		       selection, stages, failure_policy, notify,
		       last_run_at, last_run_status,
		       created_at, updated_at
		FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) ListActiveSchedules(ctx context.Context) ([]*contracts.Schedule, error) {
	const query = `
		SELECT id, name, is_active, type,
		       cron_expression, timezone, time_of_day, day_of_week, day_of_month,
		       selection, stages, failure_policy, notify,
		       last_run_at, last_run_status,
		       created_at, updated_at
		FROM schedules WHERE is_active = true AND type <> 'MANUAL'
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkScheduleTriggered(ctx context.Context, id contracts.ScheduleID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE schedules SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("marking schedule %s triggered: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, contracts.ErrScheduleNotFound)
	}
	return nil
}

func (r *PostgresRepository) UpdateScheduleStatus(ctx context.Context, id contracts.ScheduleID, status contracts.RunStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE schedules SET last_run_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating schedule %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, contracts.ErrScheduleNotFound)
	}
	return nil
}

func scanRun(r row) (*contracts.Run, error) {
	var run contracts.Run
	var completedAt *time.Time
	var durationMs *int64
	var errorMessage *string
	var resultJSON, payloadJSON []byte
	err := r.Scan(
		&run.ID, &run.ScheduleID, &run.Status,
		&run.StartedAt, &completedAt, &durationMs,
		&run.TotalFiches, &run.SuccessfulFiches, &run.FailedFiches, &run.IgnoredFiches,
		&run.TranscriptionsRun, &run.AuditsRun,
		&errorMessage, &resultJSON, &payloadJSON, &run.RetryWave,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run: %w", contracts.ErrRunNotFound)
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.CompletedAt, run.DurationMs, run.ErrorMessage = completedAt, durationMs, errorMessage
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &run.ResultSummary); err != nil {
			return nil, fmt.Errorf("decoding result summary: %w", err)
		}
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &run.PayloadSnapshot); err != nil {
			return nil, fmt.Errorf("decoding payload snapshot: %w", err)
		}
	}
	return &run, nil
}

func (r *PostgresRepository) CreateRun(ctx context.Context, run *contracts.Run) error {
	payloadJSON, err := json.Marshal(run.PayloadSnapshot)
	if err != nil {
		return fmt.Errorf("encoding payload snapshot: %w", err)
	}
	const query = `
		INSERT INTO runs (
			id, schedule_id, status, started_at,
			total_fiches, successful_fiches, failed_fiches, ignored_fiches,
			transcriptions_run, audits_run, payload_snapshot, retry_wave
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.pool.Exec(ctx, query,
		run.ID, run.ScheduleID, run.Status, run.StartedAt,
		run.TotalFiches, run.SuccessfulFiches, run.FailedFiches, run.IgnoredFiches,
		run.TranscriptionsRun, run.AuditsRun, payloadJSON, run.RetryWave)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, id contracts.RunID) (*contracts.Run, error) {
	const query = `
		SELECT id, schedule_id, status, started_at, completed_at, duration_ms,
		       total_fiches, successful_fiches, failed_fiches, ignored_fiches,
		       transcriptions_run, audits_run,
		       error_message, result_summary, payload_snapshot, retry_wave
		FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// FinalizeRun writes the terminal Run row and the per-fiche outcome rows in
// a single transaction (§4.F).
func (r *PostgresRepository) FinalizeRun(ctx context.Context, run *contracts.Run) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	resultJSON, err := json.Marshal(run.ResultSummary)
	if err != nil {
		return fmt.Errorf("encoding result summary: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE runs SET status=$2, completed_at=$3, duration_ms=$4,
		       total_fiches=$5, successful_fiches=$6, failed_fiches=$7, ignored_fiches=$8,
		       transcriptions_run=$9, audits_run=$10, error_message=$11, result_summary=$12
		WHERE id=$1`,
		run.ID, run.Status, run.CompletedAt, run.DurationMs,
		run.TotalFiches, run.SuccessfulFiches, run.FailedFiches, run.IgnoredFiches,
		run.TranscriptionsRun, run.AuditsRun, run.ErrorMessage, resultJSON)
	if err != nil {
		return fmt.Errorf("finalizing run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, contracts.ErrRunNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_fiche_outcomes WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("clearing prior outcomes for run %s: %w", run.ID, err)
	}
	batch := &pgx.Batch{}
	for _, f := range run.ResultSummary.Successful {
		batch.Queue(`INSERT INTO run_fiche_outcomes (run_id, fiche_id, outcome, reason) VALUES ($1,$2,$3,$4)`,
			run.ID, f, contracts.OutcomeSuccessful, "")
	}
	for _, f := range run.ResultSummary.Failed {
		batch.Queue(`INSERT INTO run_fiche_outcomes (run_id, fiche_id, outcome, reason) VALUES ($1,$2,$3,$4)`,
			run.ID, f.FicheID, contracts.OutcomeFailed, f.Reason)
	}
	for _, f := range run.ResultSummary.Ignored {
		batch.Queue(`INSERT INTO run_fiche_outcomes (run_id, fiche_id, outcome, reason) VALUES ($1,$2,$3,$4)`,
			run.ID, f.FicheID, contracts.OutcomeIgnored, f.Reason)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		if err := br.Close(); err != nil {
			return fmt.Errorf("writing per-fiche outcomes for run %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing finalize for run %s: %w", run.ID, err)
	}
	return nil
}

func (r *PostgresRepository) MarkStaleRunsForSchedule(ctx context.Context, scheduleID contracts.ScheduleID, staleBefore time.Time, reason string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $3, error_message = $4, completed_at = NOW()
		WHERE schedule_id = $1 AND status = $2 AND started_at < $5`,
		scheduleID, contracts.RunRunning, contracts.RunFailed, reason, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("marking stale runs for schedule %s: %w", scheduleID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) IncrementRetryCounter(ctx context.Context, runID contracts.RunID) (int, error) {
	var wave int
	err := r.pool.QueryRow(ctx, `
		UPDATE runs SET retry_wave = retry_wave + 1 WHERE id = $1 RETURNING retry_wave`, runID).Scan(&wave)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("run %s: %w", runID, contracts.ErrRunNotFound)
		}
		return 0, fmt.Errorf("incrementing retry counter for run %s: %w", runID, err)
	}
	return wave, nil
}

func (r *PostgresRepository) AppendRunLog(ctx context.Context, entry *contracts.RunLog) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding run log metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, level, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		entry.RunID, entry.Level, entry.Message, metaJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending run log for %s: %w", entry.RunID, err)
	}
	return nil
}

func scanFicheCache(r row) (*contracts.FicheCache, error) {
	var f contracts.FicheCache
	var expiresAt *time.Time
	err := r.Scan(
		&f.ID, &f.FicheID, &f.Cle, &f.Groupe,
		&f.DetailsSuccess, &f.DetailsMessage,
		&f.RecordingsCount, &f.HasRecordings, &f.RawData,
		&f.State, &expiresAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning fiche cache: %w", err)
	}
	f.ExpiresAt = expiresAt
	return &f, nil
}

func (r *PostgresRepository) GetFicheCache(ctx context.Context, ficheID contracts.FicheID) (*contracts.FicheCache, error) {
	const query = `
		SELECT id, fiche_id, cle, groupe, details_success, details_message,
		       recordings_count, has_recordings, raw_data, state, expires_at,
		       created_at, updated_at
		FROM fiche_cache WHERE fiche_id = $1`
	fc, err := scanFicheCache(r.pool.QueryRow(ctx, query, ficheID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fc, nil
}

// UpsertSalesListOnly never regresses an existing full-details/not-found
// row: the WHERE clause on the upsert's conflict action only fires when the
// stored state is still absent or sales-list-only (§5).
func (r *PostgresRepository) UpsertSalesListOnly(ctx context.Context, row *contracts.FicheCache) error {
	const query = `
		INSERT INTO fiche_cache (fiche_id, cle, groupe, raw_data, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (fiche_id) DO UPDATE SET
			cle = EXCLUDED.cle, groupe = EXCLUDED.groupe, raw_data = EXCLUDED.raw_data,
			state = EXCLUDED.state, updated_at = NOW()
		WHERE fiche_cache.state = 'absent' OR fiche_cache.state = 'sales_list_only'`
	_, err := r.pool.Exec(ctx, query, row.FicheID, row.Cle, row.Groupe, row.RawData, contracts.FicheCacheSalesListOnly)
	if err != nil {
		return fmt.Errorf("upserting sales-list-only fiche %s: %w", row.FicheID, err)
	}
	return nil
}

// UpsertFullDetails writes the authoritative row and its recordings in one
// transaction. It refuses when the existing row is a terminal not-found
// marker (§9.b forward-only monotonicity).
func (r *PostgresRepository) UpsertFullDetails(ctx context.Context, fc *contracts.FicheCache, recordings []contracts.Recording) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning upsert-full-details transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingState contracts.FicheCacheState
	err = tx.QueryRow(ctx, `SELECT state FROM fiche_cache WHERE fiche_id = $1 FOR UPDATE`, fc.FicheID).Scan(&existingState)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no existing row; proceed
	case err != nil:
		return fmt.Errorf("locking fiche cache row %s: %w", fc.FicheID, err)
	case existingState == contracts.FicheCacheNotFound:
		return fmt.Errorf("fiche %s: %w", fc.FicheID, contracts.ErrFicheCacheRegression)
	}

	var ficheCacheID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO fiche_cache (fiche_id, cle, groupe, details_success, details_message,
		       recordings_count, has_recordings, raw_data, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
		ON CONFLICT (fiche_id) DO UPDATE SET
			cle = EXCLUDED.cle, groupe = EXCLUDED.groupe,
			details_success = EXCLUDED.details_success, details_message = EXCLUDED.details_message,
			recordings_count = EXCLUDED.recordings_count, has_recordings = EXCLUDED.has_recordings,
			raw_data = EXCLUDED.raw_data, state = EXCLUDED.state, updated_at = NOW()
		RETURNING id`,
		fc.FicheID, fc.Cle, fc.Groupe, fc.DetailsSuccess, fc.DetailsMessage,
		fc.RecordingsCount, fc.HasRecordings, fc.RawData, contracts.FicheCacheFullDetails).Scan(&ficheCacheID)
	if err != nil {
		return fmt.Errorf("upserting full-details fiche %s: %w", fc.FicheID, err)
	}

	batch := &pgx.Batch{}
	for _, rec := range recordings {
		batch.Queue(`
			INSERT INTO recordings (fiche_cache_id, external_id, url, has_transcription, transcription_id)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (fiche_cache_id, external_id) DO NOTHING`,
			ficheCacheID, rec.ExternalID, rec.URL, rec.HasTranscription, rec.TranscriptionID)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		if err := br.Close(); err != nil {
			return fmt.Errorf("writing recordings for fiche %s: %w", fc.FicheID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing full-details upsert for fiche %s: %w", fc.FicheID, err)
	}
	return nil
}

func (r *PostgresRepository) MarkNotFound(ctx context.Context, ficheID contracts.FicheID, message string) error {
	success := false
	const query = `
		INSERT INTO fiche_cache (fiche_id, details_success, details_message, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NOW(),NOW())
		ON CONFLICT (fiche_id) DO UPDATE SET
			details_success = EXCLUDED.details_success, details_message = EXCLUDED.details_message,
			state = EXCLUDED.state, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, ficheID, success, message, contracts.FicheCacheNotFound)
	if err != nil {
		return fmt.Errorf("marking fiche %s not found: %w", ficheID, err)
	}
	return nil
}

func (r *PostgresRepository) ListRecordings(ctx context.Context, ficheCacheID int64) ([]contracts.Recording, error) {
	const query = `
		SELECT id, fiche_cache_id, external_id, url, has_transcription, transcription_id
		FROM recordings WHERE fiche_cache_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, ficheCacheID)
	if err != nil {
		return nil, fmt.Errorf("listing recordings for fiche cache %d: %w", ficheCacheID, err)
	}
	defer rows.Close()

	var out []contracts.Recording
	for rows.Next() {
		var rec contracts.Recording
		if err := rows.Scan(&rec.ID, &rec.FicheCacheID, &rec.ExternalID, &rec.URL, &rec.HasTranscription, &rec.TranscriptionID); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkRecordingTranscribed(ctx context.Context, recordingID int64, transcriptionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recordings SET has_transcription = true, transcription_id = $2 WHERE id = $1`,
		recordingID, transcriptionID)
	if err != nil {
		return fmt.Errorf("marking recording %d transcribed: %w", recordingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording %d not found", recordingID)
	}
	return nil
}

func (r *PostgresRepository) CountFicheDetailsReady(ctx context.Context, ficheIDs []contracts.FicheID) (contracts.FicheDetailsCounts, error) {
	counts := contracts.FicheDetailsCounts{Targeted: len(ficheIDs)}
	if len(ficheIDs) == 0 {
		return counts, nil
	}
	const query = `
		SELECT COUNT(*) FROM fiche_cache
		WHERE fiche_id = ANY($1) AND state IN ('full_details', 'not_found')`
	err := r.pool.QueryRow(ctx, query, ficheIDs).Scan(&counts.Ready)
	if err != nil {
		return counts, fmt.Errorf("counting fiche details readiness: %w", err)
	}
	return counts, nil
}

func (r *PostgresRepository) CountTranscriptions(ctx context.Context, ficheCacheIDs []int64) ([]contracts.TranscriptionCounts, error) {
	if len(ficheCacheIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT fiche_cache_id, COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE has_transcription) AS transcribed
		FROM recordings
		WHERE fiche_cache_id = ANY($1)
		GROUP BY fiche_cache_id`
	rows, err := r.pool.Query(ctx, query, ficheCacheIDs)
	if err != nil {
		return nil, fmt.Errorf("counting transcriptions: %w", err)
	}
	defer rows.Close()

	var out []contracts.TranscriptionCounts
	for rows.Next() {
		var c contracts.TranscriptionCounts
		if err := rows.Scan(&c.FicheCacheID, &c.Total, &c.Transcribed); err != nil {
			return nil, fmt.Errorf("scanning transcription counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetAuditConfigs(ctx context.Context, ids []contracts.AuditConfigID) ([]contracts.AuditConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT id, name, system_prompt, is_automatic, control_steps FROM audit_configs WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching audit configs: %w", err)
	}
	defer rows.Close()
	return scanAuditConfigs(rows)
}

func (r *PostgresRepository) ListAutomaticAuditConfigs(ctx context.Context) ([]contracts.AuditConfig, error) {
	const query = `SELECT id, name, system_prompt, is_automatic, control_steps FROM audit_configs WHERE is_automatic = true ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing automatic audit configs: %w", err)
	}
	defer rows.Close()
	return scanAuditConfigs(rows)
}

func scanAuditConfigs(rows pgx.Rows) ([]contracts.AuditConfig, error) {
	var out []contracts.AuditConfig
	for rows.Next() {
		var c contracts.AuditConfig
		var stepsJSON []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.IsAutomatic, &stepsJSON); err != nil {
			return nil, fmt.Errorf("scanning audit config: %w", err)
		}
		if len(stepsJSON) > 0 {
			if err := json.Unmarshal(stepsJSON, &c.ControlSteps); err != nil {
				return nil, fmt.Errorf("decoding control steps for audit config %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertAuditLatest clears the prior isLatest row for (ficheCacheId,
// auditConfigId) and inserts the new one as latest, in one transaction
// (§4.A stage 5).
func (r *PostgresRepository) UpsertAuditLatest(ctx context.Context, audit *contracts.Audit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning audit-latest transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE audits SET is_latest = false
		WHERE fiche_cache_id = $1 AND audit_config_id = $2 AND is_latest = true`,
		audit.FicheCacheID, audit.AuditConfigID)
	if err != nil {
		return fmt.Errorf("clearing prior latest audit: %w", err)
	}

	resultJSON, err := json.Marshal(audit.Result)
	if err != nil {
		return fmt.Errorf("encoding audit result: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audits (fiche_cache_id, audit_config_id, status, automation_run_id,
		       is_latest, error_message, result, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,$6,NOW(),NOW())`,
		audit.FicheCacheID, audit.AuditConfigID, audit.Status, audit.AutomationRunID,
		audit.ErrorMessage, resultJSON)
	if err != nil {
		return fmt.Errorf("inserting latest audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing audit-latest upsert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountAudits(ctx context.Context, runID contracts.RunID, ficheCacheIDs []int64) ([]contracts.AuditCounts, error) {
	if len(ficheCacheIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT fiche_cache_id,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM audits
		WHERE fiche_cache_id = ANY($1) AND automation_run_id = $2 AND is_latest = true
		GROUP BY fiche_cache_id`
	rows, err := r.pool.Query(ctx, query, ficheCacheIDs, runID)
	if err != nil {
		return nil, fmt.Errorf("counting audits: %w", err)
	}
	defer rows.Close()

	var out []contracts.AuditCounts
	for rows.Next() {
		var c contracts.AuditCounts
		if err := rows.Scan(&c.FicheCacheID, &c.Completed, &c.Failed); err != nil {
			return nil, fmt.Errorf("scanning audit counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) HasCompletedAudit(ctx context.Context, ficheCacheID int64) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM audits
			WHERE fiche_cache_id = $1 AND is_latest = true AND status = 'completed'
		)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, ficheCacheID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking completed audit for fiche_cache_id %d: %w", ficheCacheID, err)
	}
	return exists, nil
}

var _ contracts.Repository = (*PostgresRepository)(nil)
