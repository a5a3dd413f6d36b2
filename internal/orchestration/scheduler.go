package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/lock"
)

// Scheduler implements §4.D: a cron-tick process that detects due schedules,
// enforces non-overlap (with stale-run reconciliation), and emits
// `automation/run` events in one deterministic-id batch per tick.
type Scheduler struct {
	Repo   contracts.Repository
	Bus    contracts.EventBus
	Locker *lock.Locker
	Zap    *zap.Logger

	WindowMinutes  int
	StaleThreshold time.Duration
	TickLockTTL    time.Duration
}

// NewScheduler wires a Scheduler. windowMinutes is clamped to the spec's
// documented minimum of 5.
func NewScheduler(repo contracts.Repository, bus contracts.EventBus, locker *lock.Locker, zl *zap.Logger, windowMinutes int, staleThreshold time.Duration) *Scheduler {
	if windowMinutes < 5 {
		windowMinutes = 5
	}
	return &Scheduler{
		Repo: repo, Bus: bus, Locker: locker, Zap: zl,
		WindowMinutes: windowMinutes, StaleThreshold: staleThreshold, TickLockTTL: 30 * time.Second,
	}
}

const tickLockKey = "automation:scheduler:tick"

// Tick runs one pass of §4.D's protocol. Single-flight is enforced by a
// short-lived distributed lock: if another replica already holds it, Tick
// returns nil immediately (this tick is simply skipped, not retried).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	lk, err := s.Locker.TryAcquire(ctx, tickLockKey, s.TickLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring scheduler tick lock: %w", err)
	}
	if lk == nil {
		return nil
	}
	defer func() {
		if err := lk.Release(ctx); err != nil && s.Zap != nil {
			s.Zap.Warn("scheduler: releasing tick lock", zap.Error(err))
		}
	}()

	schedules, err := s.Repo.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("listing active schedules: %w", err)
	}

	var events []contracts.Event
	for _, sched := range schedules {
		due, dueAt, err := s.evaluate(ctx, sched, now)
		if err != nil {
			if s.Zap != nil {
				s.Zap.Warn("scheduler: evaluating schedule", zap.String("schedule_id", string(sched.ID)), zap.Error(err))
			}
			continue
		}
		if !due {
			continue
		}

		evID := fmt.Sprintf("automation-schedule-%s-%d", sched.ID, dueAt.UnixMilli())
		trigger := contracts.RunTrigger{ScheduleID: sched.ID, DueAt: &dueAt}
		events = append(events, contracts.Event{Name: "automation/run", ID: evID, Data: mustJSON(trigger)})

		// Step 4: close the race with the next tick before this one returns.
		if err := s.Repo.MarkScheduleTriggered(ctx, sched.ID, dueAt); err != nil {
			return fmt.Errorf("marking schedule %s triggered: %w", sched.ID, err)
		}
		if err := s.Repo.UpdateScheduleStatus(ctx, sched.ID, contracts.RunRunning); err != nil {
			return fmt.Errorf("updating schedule %s status: %w", sched.ID, err)
		}
	}

	if len(events) == 0 {
		return nil
	}
	return s.Bus.PublishBatch(ctx, events)
}

// evaluate implements §4.D step 2 for a single schedule, returning whether
// it is due this tick and, if so, the effective dueAt.
func (s *Scheduler) evaluate(ctx context.Context, sched *contracts.Schedule, now time.Time) (bool, time.Time, error) {
	if sched.LastRunStatus == contracts.RunRunning {
		lastRunAt := now
		if sched.LastRunAt != nil {
			lastRunAt = *sched.LastRunAt
		}
		age := now.Sub(lastRunAt)
		if age < s.StaleThreshold {
			return false, time.Time{}, nil // still running, non-overlap
		}

		reason := fmt.Sprintf("Marked stale by scheduler after %s", age.Round(time.Second))
		if _, err := s.Repo.MarkStaleRunsForSchedule(ctx, sched.ID, now.Add(-s.StaleThreshold), reason); err != nil {
			return false, time.Time{}, fmt.Errorf("reconciling stale runs: %w", err)
		}
		if err := s.Repo.UpdateScheduleStatus(ctx, sched.ID, contracts.RunFailed); err != nil {
			return false, time.Time{}, fmt.Errorf("marking schedule failed after stale reconciliation: %w", err)
		}
		sched.LastRunStatus = contracts.RunFailed
	}

	if sched.Type == contracts.ScheduleManual {
		return false, time.Time{}, nil
	}
	if err := validateScheduleFields(sched); err != nil {
		return false, time.Time{}, err
	}

	expr, err := effectiveCronExpr(sched)
	if err != nil {
		return false, time.Time{}, err
	}
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %s: %v", contracts.ErrInvalidCronExpr, expr, err)
	}

	windowStart := now.Add(-time.Duration(s.WindowMinutes) * time.Minute)
	dueAt, ok := mostRecentFire(parsed, windowStart, now)
	if !ok {
		return false, time.Time{}, nil
	}

	var lastRunAt time.Time
	if sched.LastRunAt != nil {
		lastRunAt = *sched.LastRunAt
	}
	if !lastRunAt.Before(dueAt) {
		return false, time.Time{}, nil
	}
	return true, dueAt, nil
}

// mostRecentFire scans forward from windowStart (exclusive) and returns the
// last fire time at or before now, implementing §8's cron window semantics:
// "the most recent cron fire time t ≤ now and t − lastRunAt > 0 and
// now − t ≤ W minutes" (the W-minutes bound is windowStart itself).
func mostRecentFire(schedule cron.Schedule, windowStart, now time.Time) (time.Time, bool) {
	var last time.Time
	found := false
	t := windowStart
	for {
		next := schedule.Next(t)
		if next.IsZero() || next.After(now) {
			break
		}
		last, found = next, true
		t = next
	}
	return last, found
}

// validateScheduleFields implements §4.D "reject schedules missing required
// fields for their type".
func validateScheduleFields(sched *contracts.Schedule) error {
	switch sched.Type {
	case contracts.ScheduleDaily:
		if sched.TimeOfDay == "" {
			return fmt.Errorf("schedule %s: %w (timeOfDay)", sched.ID, contracts.ErrScheduleMissingField)
		}
	case contracts.ScheduleWeekly:
		if sched.TimeOfDay == "" || sched.DayOfWeek == nil {
			return fmt.Errorf("schedule %s: %w (timeOfDay/dayOfWeek)", sched.ID, contracts.ErrScheduleMissingField)
		}
	case contracts.ScheduleMonthly:
		if sched.TimeOfDay == "" || sched.DayOfMonth == nil {
			return fmt.Errorf("schedule %s: %w (timeOfDay/dayOfMonth)", sched.ID, contracts.ErrScheduleMissingField)
		}
	case contracts.ScheduleCron:
		if sched.CronExpression == "" {
			return fmt.Errorf("schedule %s: %w (cronExpression)", sched.ID, contracts.ErrScheduleMissingField)
		}
	}
	return nil
}

// effectiveCronExpr implements §4.D "resolve an effective cron expression
// from (scheduleType, cronExpression, timeOfDay, dayOfWeek, dayOfMonth) in
// the schedule's timezone".
func effectiveCronExpr(sched *contracts.Schedule) (string, error) {
	var expr string
	switch sched.Type {
	case contracts.ScheduleCron:
		expr = sched.CronExpression
	case contracts.ScheduleDaily:
		hh, mm, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		expr = fmt.Sprintf("%d %d * * *", mm, hh)
	case contracts.ScheduleWeekly:
		hh, mm, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		expr = fmt.Sprintf("%d %d * * %d", mm, hh, *sched.DayOfWeek)
	case contracts.ScheduleMonthly:
		hh, mm, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		expr = fmt.Sprintf("%d %d %d * *", mm, hh, *sched.DayOfMonth)
	default:
		return "", fmt.Errorf("schedule %s: %w (type %s)", sched.ID, contracts.ErrScheduleMissingField, sched.Type)
	}
	return withTimezone(expr, sched.Timezone), nil
}

func withTimezone(expr, tz string) string {
	if tz == "" || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr
	}
	return fmt.Sprintf("CRON_TZ=%s %s", tz, expr)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid timeOfDay %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
