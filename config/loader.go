package config

import (
	"os"
	"strconv"
	"time"
)

// Loader loads the orchestrator's runtime configuration from the process
// environment, applying the defaults documented in §6.
type Loader struct{}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads AUTOMATION_* environment variables, applies defaults, and
// validates the result. Returns the first validation error encountered.
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{
		SchedulerCron:          getEnv("AUTOMATION_SCHEDULER_CRON", "* * * * *"),
		SchedulerWindowMinutes: getEnvInt("AUTOMATION_SCHEDULER_WINDOW_MINUTES", 20),
		SchedulerStaleGraceMs:  getEnvInt64("AUTOMATION_SCHEDULER_STALE_GRACE_MS", 30*60*1000),

		DayConcurrency:         getEnvInt("AUTOMATION_DAY_CONCURRENCY", 3),
		FicheWorkerConcurrency: getEnvInt("AUTOMATION_FICHE_WORKER_CONCURRENCY", 5),
		DayBatchSize:           getEnvInt("AUTOMATION_DAY_BATCH_SIZE", 3),
		FicheBatchSize:         getEnvInt("AUTOMATION_FICHE_BATCH_SIZE", 5),
		SendEventChunkSize:     getEnvInt("AUTOMATION_SEND_EVENT_CHUNK_SIZE", 200),

		FicheDetailsMaxWait:      getEnvMs("AUTOMATION_FICHE_DETAILS_MAX_WAIT_MS", 10*time.Minute),
		FicheDetailsPollInterval: getEnvSeconds("AUTOMATION_FICHE_DETAILS_POLL_INTERVAL_SECONDS", 20*time.Second),

		TranscriptionMaxWait:      getEnvMs("AUTOMATION_TRANSCRIPTION_MAX_WAIT_MS", 20*time.Minute),
		TranscriptionPollInterval: getEnvSeconds("AUTOMATION_TRANSCRIPTION_POLL_INTERVAL_SECONDS", 20*time.Second),

		AuditMaxWait:      getEnvMs("AUTOMATION_AUDIT_MAX_WAIT_MS", 30*time.Minute),
		AuditPollInterval: getEnvSeconds("AUTOMATION_AUDIT_POLL_INTERVAL_SECONDS", 20*time.Second),

		MaxRecordingsPerFiche: getEnvInt("AUTOMATION_MAX_RECORDINGS_PER_FICHE", HardMaxRecordingsCeiling),

		DebugLogToFile: getEnvBool("AUTOMATION_DEBUG_LOG_TO_FILE", false),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMs(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
