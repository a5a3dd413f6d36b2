package config

import (
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string) {
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoader_Load_AppliesDefaultsWithNoEnv(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerWindowMinutes != 20 {
		t.Errorf("SchedulerWindowMinutes = %d, want 20", cfg.SchedulerWindowMinutes)
	}
	if cfg.DayConcurrency != 3 {
		t.Errorf("DayConcurrency = %d, want 3", cfg.DayConcurrency)
	}
	if cfg.MaxRecordingsPerFiche != HardMaxRecordingsCeiling {
		t.Errorf("MaxRecordingsPerFiche = %d, want %d", cfg.MaxRecordingsPerFiche, HardMaxRecordingsCeiling)
	}
	if cfg.FicheDetailsMaxWait != 10*time.Minute {
		t.Errorf("FicheDetailsMaxWait = %v, want 10m", cfg.FicheDetailsMaxWait)
	}
	if cfg.DebugLogToFile {
		t.Error("DebugLogToFile defaults to false")
	}
}

func TestLoader_Load_ReadsOverridesFromEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"AUTOMATION_SCHEDULER_WINDOW_MINUTES": "15",
		"AUTOMATION_DAY_CONCURRENCY":          "7",
		"AUTOMATION_DEBUG_LOG_TO_FILE":        "true",
		"AUTOMATION_FICHE_DETAILS_MAX_WAIT_MS": "5000",
		"DATABASE_URL":                        "postgres://example",
	})

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerWindowMinutes != 15 {
		t.Errorf("SchedulerWindowMinutes = %d, want 15", cfg.SchedulerWindowMinutes)
	}
	if cfg.DayConcurrency != 7 {
		t.Errorf("DayConcurrency = %d, want 7", cfg.DayConcurrency)
	}
	if !cfg.DebugLogToFile {
		t.Error("DebugLogToFile should be true")
	}
	if cfg.FicheDetailsMaxWait != 5*time.Second {
		t.Errorf("FicheDetailsMaxWait = %v, want 5s", cfg.FicheDetailsMaxWait)
	}
	if cfg.DatabaseURL != "postgres://example" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoader_Load_PropagatesValidationFailure(t *testing.T) {
	withEnv(t, map[string]string{"AUTOMATION_SCHEDULER_WINDOW_MINUTES": "1"})

	_, err := NewLoader().Load()
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestLoader_Load_IgnoresEmptyStringEnvForStrings(t *testing.T) {
	withEnv(t, map[string]string{"AUTOMATION_SCHEDULER_CRON": ""})

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerCron != "* * * * *" {
		t.Errorf("SchedulerCron = %q, want fallback", cfg.SchedulerCron)
	}
}

func TestLoader_Load_IgnoresUnparsableIntEnv(t *testing.T) {
	withEnv(t, map[string]string{"AUTOMATION_DAY_CONCURRENCY": "not-a-number"})

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DayConcurrency != 3 {
		t.Errorf("DayConcurrency = %d, want fallback 3", cfg.DayConcurrency)
	}
}
