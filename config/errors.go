package config

import "errors"

// Sentinel errors for orchestrator configuration validation.
var (
	ErrSchedulerWindowTooSmall = errors.New("AUTOMATION_SCHEDULER_WINDOW_MINUTES must be >= 5")
	ErrConcurrencyNonPositive  = errors.New("concurrency settings must be positive")
	ErrBatchSizeNonPositive    = errors.New("batch size settings must be positive")
	ErrMaxRecordingsExceedsCeiling = errors.New("AUTOMATION_MAX_RECORDINGS_PER_FICHE exceeds the hard ceiling of 50")
	ErrPollIntervalNonPositive = errors.New("poll interval settings must be positive")
	ErrMaxWaitNonPositive      = errors.New("max wait settings must be positive")
)
