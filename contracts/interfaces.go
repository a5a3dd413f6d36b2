package contracts

import (
	"context"
	"time"
)

// =============================================================================
// Repository Layer (Component F)
// =============================================================================

// FicheDetailsCounts is a join-barrier aggregate: how many of a targeted set
// of fiches have reached isFullDetails or isNotFound (§4.C gate 1).
type FicheDetailsCounts struct {
	Targeted int
	Ready    int // full-details or not-found
}

// TranscriptionCounts is a join-barrier aggregate grouped by
// (ficheCacheId, hasTranscription) (§4.C gate 2).
type TranscriptionCounts struct {
	FicheCacheID int64
	Total        int
	Transcribed  int
}

// AuditCounts is a join-barrier aggregate grouped by (ficheCacheId, status),
// restricted to a given automation run and isLatest=true (§4.C gate 3).
type AuditCounts struct {
	FicheCacheID int64
	Completed    int
	Failed       int
}

// Repository persists schedules, runs, logs, fiche cache, recordings, and
// audits, and exposes the grouped-count aggregates used as fan-in barriers.
// All numeric ids cross this boundary as the Go-native int64/string types
// defined in this package; callers at the event/HTTP boundary serialize
// them to decimal strings.
type Repository interface {
	// Schedules
	GetSchedule(ctx context.Context, id ScheduleID) (*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)
	MarkScheduleTriggered(ctx context.Context, id ScheduleID, at time.Time) error
	UpdateScheduleStatus(ctx context.Context, id ScheduleID, status RunStatus) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id RunID) (*Run, error)
	// FinalizeRun atomically writes the terminal Run fields (status, counts,
	// resultSummary, duration) and the per-fiche outcome attribution in one
	// unit of work (§4.F "transactional finalize for Run + per-fiche outcomes").
	FinalizeRun(ctx context.Context, run *Run) error
	// MarkStaleRunsForSchedule reconciles any `running` Run for scheduleId
	// older than staleBefore to `failed` with reason, returning the count
	// reconciled (§4.D, §7 StaleRun).
	MarkStaleRunsForSchedule(ctx context.Context, scheduleID ScheduleID, staleBefore time.Time, reason string) (int, error)
	// IncrementRetryCounter bumps Run.RetryWave and persists it BEFORE the
	// caller sends the retry-wave event, so the "-retry-<n>" suffix it
	// produces is always observable ahead of the send (§9.c).
	IncrementRetryCounter(ctx context.Context, runID RunID) (int, error)

	// RunLog
	AppendRunLog(ctx context.Context, entry *RunLog) error

	// FicheCache
	GetFicheCache(ctx context.Context, ficheID FicheID) (*FicheCache, error)
	// UpsertSalesListOnly inserts or updates a sales-list-only row, keyed by
	// ficheId, WITHOUT EVER overwriting an existing full-details or
	// not-found row (§5 "per fiche, the last-written row wins ... never
	// overwriting a full-details row with a sales-list-only row").
	UpsertSalesListOnly(ctx context.Context, row *FicheCache) error
	// UpsertFullDetails inserts or updates a full-details row, keyed by
	// ficheId. Forward-only: refuses (ErrFicheCacheRegression) if the
	// existing row is already a terminal not-found marker.
	UpsertFullDetails(ctx context.Context, row *FicheCache, recordings []Recording) error
	MarkNotFound(ctx context.Context, ficheID FicheID, message string) error

	// Recordings
	ListRecordings(ctx context.Context, ficheCacheID int64) ([]Recording, error)
	MarkRecordingTranscribed(ctx context.Context, recordingID int64, transcriptionID string) error
	CountFicheDetailsReady(ctx context.Context, ficheIDs []FicheID) (FicheDetailsCounts, error)
	CountTranscriptions(ctx context.Context, ficheCacheIDs []int64) ([]TranscriptionCounts, error)

	// Audits
	GetAuditConfigs(ctx context.Context, ids []AuditConfigID) ([]AuditConfig, error)
	ListAutomaticAuditConfigs(ctx context.Context) ([]AuditConfig, error)
	// UpsertAuditLatest inserts a new Audit row and flips isLatest=true for
	// it while clearing any prior isLatest row for the same
	// (ficheCacheId, auditConfigId) key, in a single transaction (§4.A stage 5).
	UpsertAuditLatest(ctx context.Context, audit *Audit) error
	CountAudits(ctx context.Context, runID RunID, ficheCacheIDs []int64) ([]AuditCounts, error)
	// HasCompletedAudit reports whether ficheCacheID has any isLatest=true
	// completed Audit row from any run, for the Day-Worker's onlyUnaudited
	// selection filter (§4.B).
	HasCompletedAudit(ctx context.Context, ficheCacheID int64) (bool, error)
}

// =============================================================================
// Event bus / realtime pub-sub (§6)
// =============================================================================

// Event is a payload dispatched over the bus, identified by a deterministic
// id for cross-retry deduplication (§4.E, §5).
type Event struct {
	Name string
	ID   string // deterministic: run-<runId>-<stage>-<ficheId>[-retry-<n>]
	Data any
}

// EventBus publishes workflow events. Implementations MUST dedupe by Event.ID.
type EventBus interface {
	// Publish sends a single event, returning ErrDuplicateEvent (non-fatal)
	// if the id was already dispatched.
	Publish(ctx context.Context, ev Event) error
	// PublishBatch publishes evs in one call. Implementations do not split
	// it into chunks of AUTOMATION_SEND_EVENT_CHUNK_SIZE.
	PublishBatch(ctx context.Context, evs []Event) error
}

// RealtimeBus publishes UI-facing progress events keyed by job_id (§6).
type RealtimeBus interface {
	Publish(ctx context.Context, jobID string, channel string, payload any) error
}

// =============================================================================
// External collaborators (§1 out of scope — contracts only)
// =============================================================================

// FicheSummary is the sales-list projection returned by the CRM list endpoint.
type FicheSummary struct {
	FicheID FicheID
	Groupe  string
	RawData []byte
}

// FicheDetails is the authoritative projection returned by the CRM details
// endpoint.
type FicheDetails struct {
	FicheID         FicheID
	Cle             string
	Groupe          string
	RecordingsCount int
	Recordings      []Recording
	RawData         []byte
}

// CRMClient is the sales API collaborator (§1, §4.B, §4.A stage 1).
type CRMClient interface {
	// ListSalesForDate returns the sales-list for a single day. Callers
	// retry up to 3 attempts with exponential backoff themselves or rely on
	// the client's internal policy — either way ErrCRMUnavailable is
	// returned after exhaustion.
	ListSalesForDate(ctx context.Context, date time.Time) ([]FicheSummary, error)
	// GetFicheDetails fetches the authoritative record. Returns
	// ErrFicheNotFound when the CRM responds with its NOT_FOUND marker.
	GetFicheDetails(ctx context.Context, ficheID FicheID, cle string) (*FicheDetails, error)
}

// TranscriptionClient invokes the per-recording transcription engine (§1).
type TranscriptionClient interface {
	Transcribe(ctx context.Context, recordingURL string, priority TranscriptionPriority) (transcriptionID string, err error)
}

// AuditClient invokes the per-transcript LLM audit engine (§1). The
// orchestrator never interprets AuditResult content — only dispatches and
// records it.
type AuditClient interface {
	RunAudit(ctx context.Context, cfg AuditConfig, ficheRawData []byte, transcriptIDs []string) (*AuditResult, error)
}

// NotificationPayload is the structured payload sent to webhook/email sinks (§6).
type NotificationPayload struct {
	ScheduleID        ScheduleID
	ScheduleName      string
	RunID             RunID
	Status            RunStatus
	DurationSeconds   float64
	TotalFiches       int
	SuccessfulFiches  int
	FailedFiches      int
	IgnoredFiches     int
	TranscriptionsRun int
	AuditsRun         int
	Failures          []FicheOutcomeItem
}

// Notifier emits terminal-run notifications (§6, §4.C step 7).
type Notifier interface {
	SendWebhook(ctx context.Context, url string, payload NotificationPayload) error
	SendEmail(ctx context.Context, recipients []string, payload NotificationPayload) error
}

// =============================================================================
// Durable-Step Runtime (Component E, §4.E)
// =============================================================================

// StepFunc is memoized code executed exactly once per logical name.
type StepFunc func(ctx context.Context) (any, error)

// Engine provides the checkpointed building blocks every durable workflow
// (Day-Worker, Run-Orchestrator, Scheduler tick) is built from. Results of
// Run/Invoke MUST be JSON-serializable; large integer ids are passed as
// strings at this boundary.
type Engine interface {
	// Run executes fn once per name; replays return the memoized result on
	// re-execution (crash recovery) instead of re-invoking fn.
	Run(ctx context.Context, name string, fn StepFunc) (any, error)
	// Sleep durably waits dur under name; may span process restarts.
	Sleep(ctx context.Context, name string, dur time.Duration) error
	// SendEvent publishes events; deterministic ids dedupe cross-retry.
	SendEvent(ctx context.Context, name string, evs []Event) error
	// Invoke runs a named child function synchronously with a memoized result.
	Invoke(ctx context.Context, name string, fn StepFunc) (any, error)
}

// WorkerFunc executes one named child invocation (Day-Worker or
// Fiche-Worker body) given a JSON-serializable input.
type WorkerFunc func(ctx context.Context, input any) (any, error)

// =============================================================================
// Worker contracts (§4.A, §4.B)
// =============================================================================

// FicheWorkerInput is the Fiche-Worker's event payload (§4.A).
type FicheWorkerInput struct {
	FicheID            FicheID
	AuditConfigID      AuditConfigID
	ScheduleID         ScheduleID
	RunID              RunID
	RunTranscription   bool
	SkipIfTranscribed  bool
	TranscriptionPrio  TranscriptionPriority
	RunAudits          bool
	MaxRecordings      int
	OnlyWithRecordings bool
	UseRLM             bool
	GroupFilter        []string
}

// FicheWorkerOutput is the Fiche-Worker's result (§4.A).
type FicheWorkerOutput struct {
	FicheID         FicheID
	Status          WorkerOutcome
	Error           string
	RecordingsCount int
}

// DayWorkerInput is the Day-Worker's event payload (§4.B).
type DayWorkerInput struct {
	Date          time.Time
	RunID         RunID
	ScheduleID    ScheduleID
	AuditConfigID AuditConfigID
	Selection     SelectionSpec
	Stages        StageFlags
	Failure       FailurePolicy
}

// DayWorkerOutput is the Day-Worker's aggregated result (§4.B).
type DayWorkerOutput struct {
	Date       time.Time
	Successful []FicheID
	Failed     []FicheOutcomeItem
	Ignored    []FicheOutcomeItem
	Audits     int
	Transcriptions int
}
