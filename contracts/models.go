package contracts

import "time"

// Schedule is the user's recurring job definition (§3).
type Schedule struct {
	ID       ScheduleID
	Name     string
	IsActive bool
	Type     ScheduleType

	CronExpression string
	Timezone       string
	TimeOfDay      string // "HH:MM", required for DAILY/WEEKLY/MONTHLY unless CronExpression is set
	DayOfWeek      *int   // 0=Sunday, required for WEEKLY
	DayOfMonth     *int   // 1-31, required for MONTHLY

	Selection SelectionSpec
	Stages    StageFlags
	Failure   FailurePolicy
	Notify    NotificationSettings

	LastRunAt     *time.Time
	LastRunStatus RunStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SelectionSpec describes how a Schedule's work set is computed (§3, §9
// "Dynamic JSON payloads -> tagged-variant schemas"). Validated at the
// workflow boundary with go-playground/validator struct tags.
type SelectionSpec struct {
	Mode SelectionMode `json:"mode" validate:"required,oneof=manual api"`

	// Manual mode
	FicheIDs []FicheID `json:"ficheIds,omitempty"`

	// API mode
	DateRangeKind DateRangeKind `json:"dateRangeKind,omitempty" validate:"omitempty,oneof=today yesterday last_7_days last_30_days custom"`
	CustomStart   *time.Time    `json:"customStart,omitempty"`
	CustomEnd     *time.Time    `json:"customEnd,omitempty"`

	GroupFilter []string `json:"groupFilter,omitempty"`

	OnlyWithRecordings bool `json:"onlyWithRecordings"`
	OnlyUnaudited      bool `json:"onlyUnaudited"`

	// MaxFiches and MaxRecordingsPerFiche are nil when unset in older rows;
	// treat nil as "unset", never as zero (§9 Design Note).
	MaxFiches            *int `json:"maxFiches,omitempty" validate:"omitempty,gt=0"`
	MaxRecordingsPerFiche *int `json:"maxRecordingsPerFiche,omitempty" validate:"omitempty,gt=0"`

	UseRLM bool `json:"useRlm"`
}

// StageFlags control which stages the Fiche-Worker runs and how.
type StageFlags struct {
	RunTranscription      bool
	SkipIfTranscribed     bool
	TranscriptionPriority TranscriptionPriority

	RunAudits           bool
	UseAutomaticAudits  bool
	SpecificAuditConfigs []AuditConfigID
}

// FailurePolicy controls how the Run-Orchestrator reacts to per-fiche and
// per-day failures (§7).
type FailurePolicy struct {
	ContinueOnError bool
	RetryFailed     bool
	MaxRetries      int
}

// NotificationSettings control terminal-event fan-out (§6).
type NotificationSettings struct {
	NotifyOnComplete bool
	NotifyOnError    bool
	WebhookURL       string
	Emails           []string
}

// RunTrigger is the `automation/run` event payload (§4.C, §6): schedule id
// plus the optional due-at timestamp a Scheduler tick stamps on it and an
// optional ad-hoc selection override (admin "run now with different fiches").
type RunTrigger struct {
	ScheduleID        ScheduleID
	DueAt             *time.Time
	OverrideSelection *SelectionSpec
}

// Run is one execution attempt of a Schedule (§3).
type Run struct {
	ID         RunID
	ScheduleID ScheduleID
	Status     RunStatus

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64

	TotalFiches       int
	SuccessfulFiches  int
	FailedFiches      int
	IgnoredFiches     int
	TranscriptionsRun int
	AuditsRun         int

	ErrorMessage *string

	ResultSummary   ResultSummary
	PayloadSnapshot SelectionSpec

	// RetryWave is bumped, atomically with the repository write, before any
	// stall-retry dispatch so the "-retry-<n>" dedup suffix it feeds is
	// always observable prior to the send that depends on it (§9.c).
	RetryWave int
}

// ResultSummary lists per-fiche outcomes with reasons, persisted as JSON.
type ResultSummary struct {
	Successful []FicheID          `json:"successful,omitempty"`
	Failed     []FicheOutcomeItem `json:"failed,omitempty"`
	Ignored    []FicheOutcomeItem `json:"ignored,omitempty"`
}

// FicheOutcomeItem pairs a fiche with the reason it failed or was ignored.
type FicheOutcomeItem struct {
	FicheID FicheID `json:"ficheId"`
	Reason  string  `json:"reason"`
}

// LogLevel enumerates RunLog severities.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// RunLog is an append-only structured event bound to a Run (§3). Metadata
// must already be sanitized (no credentials, no raw PII) by the caller.
type RunLog struct {
	ID        string
	RunID     RunID
	Level     LogLevel
	Message   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// FicheCache is the locally cached projection of one fiche (§3).
type FicheCache struct {
	ID       int64
	FicheID  FicheID
	Cle      *string
	Groupe   *string

	DetailsSuccess *bool
	DetailsMessage *string

	RecordingsCount *int
	HasRecordings   bool

	RawData []byte // opaque JSON, as returned by the CRM

	State     FicheCacheState
	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsFullDetails reports whether this row is authoritative.
func (f *FicheCache) IsFullDetails() bool { return f.State == FicheCacheFullDetails }

// IsNotFound reports whether this row is a terminal NOT_FOUND marker.
func (f *FicheCache) IsNotFound() bool {
	return f.State == FicheCacheNotFound ||
		(f.DetailsSuccess != nil && !*f.DetailsSuccess && f.DetailsMessage != nil && *f.DetailsMessage == NotFoundMarker)
}

// Recording is one audio file attached to a fiche (§3).
type Recording struct {
	ID               int64
	FicheCacheID     int64
	ExternalID       string
	URL              string
	HasTranscription bool
	TranscriptionID  *string
}

// AuditResult is the opaque result blob produced by the audit engine.
type AuditResult struct {
	Score    *float64        `json:"score,omitempty"`
	Findings []AuditFinding  `json:"findings,omitempty"`
	Raw      map[string]any  `json:"raw,omitempty"`
}

// AuditFinding is one control-step outcome within an AuditResult.
type AuditFinding struct {
	Keyword  string  `json:"keyword"`
	Severity string  `json:"severity"`
	Weight   float64 `json:"weight"`
	Passed   bool    `json:"passed"`
}

// Audit is one audit run for (fiche, auditConfigId) (§3).
type Audit struct {
	ID             int64
	FicheCacheID   int64
	AuditConfigID  AuditConfigID
	Status         AuditStatus
	AutomationRunID *RunID
	IsLatest       bool
	ErrorMessage   *string
	Result         *AuditResult
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditControlStep is one weighted, keyword-matched control within an
// AuditConfig (read-only at run time).
type AuditControlStep struct {
	Order    int
	Keyword  string
	Weight   float64
	Severity string
}

// AuditConfig is the declarative audit definition (§3). Read-only at run time.
type AuditConfig struct {
	ID            AuditConfigID
	Name          string
	SystemPrompt  string
	IsAutomatic   bool
	ControlSteps  []AuditControlStep
}
