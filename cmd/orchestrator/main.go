// Package main wires the automation orchestrator's dependencies and runs
// its three long-lived processes: the admin trigger HTTP server, the
// cron-tick Scheduler loop, and the in-process fiche-event Dispatcher.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/api"
	"github.com/vigiecall/automation-orchestrator/config"
	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/audit"
	"github.com/vigiecall/automation-orchestrator/internal/bus"
	"github.com/vigiecall/automation-orchestrator/internal/crm"
	"github.com/vigiecall/automation-orchestrator/internal/durable"
	"github.com/vigiecall/automation-orchestrator/internal/lock"
	"github.com/vigiecall/automation-orchestrator/internal/notify"
	"github.com/vigiecall/automation-orchestrator/internal/orchestration"
	"github.com/vigiecall/automation-orchestrator/internal/repository"
	"github.com/vigiecall/automation-orchestrator/internal/transcription"
)

func main() {
	addr := flag.String("addr", ":8080", "admin trigger HTTP server address")
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer zl.Sync()

	cfg, err := config.NewLoader().Load()
	if err != nil {
		zl.Fatal("loading configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := buildRepository(ctx, cfg, zl)
	defer closeRepo()

	eventBus, realtimeBus, locker := buildBus(cfg)

	rt := orchestration.Build(orchestration.Deps{
		Repo:          repo,
		Bus:           eventBus,
		Realtime:      realtimeBus,
		Checkpoint:    durable.NewMemoryCheckpointStore(),
		Locker:        locker,
		CRM:           buildCRMClient(),
		Transcription: buildTranscriptionClient(),
		Audit:         buildAuditClient(),
		Notify:        buildNotifier(),
		Zap:           zl,
		Config:        cfg,
	})

	wireDispatch(eventBus, rt, zl)

	server := api.NewServer(*addr, repo, eventBus)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runScheduler(ctx, rt.Scheduler, cfg.SchedulerCron, zl)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		zl.Info("admin trigger server listening", zap.String("addr", *addr))
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			zl.Error("admin trigger server stopped with error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("admin trigger server shutdown error", zap.Error(err))
	}
	wg.Wait()
}

// buildRepository picks Postgres when DATABASE_URL is configured, otherwise
// an in-memory Repository for local/dev runs.
func buildRepository(ctx context.Context, cfg *config.Config, zl *zap.Logger) (contracts.Repository, func()) {
	if cfg.DatabaseURL == "" {
		zl.Warn("DATABASE_URL not set, using in-memory repository")
		return repository.NewMemoryRepository(), func() {}
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("connecting to database", zap.Error(err))
	}
	return repository.NewPostgresRepository(pool, zl), pool.Close
}

// buildBus picks Redis-backed bus/realtime/locking when REDIS_URL is
// configured, otherwise in-memory equivalents (single process only; the
// Scheduler's lock degrades to a process-local no-contention path).
func buildBus(cfg *config.Config) (contracts.EventBus, contracts.RealtimeBus, *lock.Locker) {
	if cfg.RedisURL == "" {
		mem := bus.NewMemoryBus()
		return mem, mem.AsRealtimeBus(), lock.NewLocker(nil)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parsing REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	rbus := bus.NewRedisBus(rdb, "automation:events")
	return rbus, rbus.AsRealtimeBus(), lock.NewLocker(rdb)
}

func buildCRMClient() contracts.CRMClient {
	return crm.NewClient(os.Getenv("CRM_BASE_URL"), os.Getenv("CRM_API_KEY"), nil)
}

func buildTranscriptionClient() contracts.TranscriptionClient {
	return transcription.NewClient(os.Getenv("TRANSCRIPTION_BASE_URL"), os.Getenv("TRANSCRIPTION_API_KEY"), nil)
}

func buildAuditClient() contracts.AuditClient {
	model := anthropic.Model(os.Getenv("ANTHROPIC_AUDIT_MODEL"))
	return audit.NewClient(os.Getenv("ANTHROPIC_API_KEY"), model)
}

func buildNotifier() contracts.Notifier {
	return notify.NewNotifier(nil, os.Getenv("SMTP_ADDR"), nil, os.Getenv("NOTIFY_FROM_EMAIL"))
}

// wireDispatch hands every fiche-stage event a handler: the Dispatcher
// (which itself consumes `fiche/fetch`/`fiche/transcribe`/`audit/run`), plus
// this process's own `automation/run` handler so a Scheduler tick or an
// admin trigger actually executes the Run-Orchestrator.
func wireDispatch(eventBus contracts.EventBus, rt *orchestration.Runtime, zl *zap.Logger) {
	if mem, ok := eventBus.(*bus.MemoryBus); ok {
		mem.OnPublish(func(ev contracts.Event) {
			if ev.Name == "automation/run" {
				if _, err := rt.RunFromEvent(context.Background(), ev); err != nil {
					zl.Error("run-orchestrator execution failed", zap.String("event_id", ev.ID), zap.Error(err))
				}
				return
			}
			rt.Dispatcher.Handle(ev)
		})
		return
	}

	if rbus, ok := eventBus.(*bus.RedisBus); ok {
		go func() {
			err := rbus.Consume(context.Background(), func(ev contracts.Event) error {
				if ev.Name == "automation/run" {
					_, err := rt.RunFromEvent(context.Background(), ev)
					return err
				}
				rt.Dispatcher.Handle(ev)
				return nil
			})
			if err != nil && err != context.Canceled {
				zl.Error("redis consume loop stopped", zap.Error(err))
			}
		}()
	}
}

// runScheduler drives rt.Scheduler.Tick on schedulerCron's own cadence
// (AUTOMATION_SCHEDULER_CRON, distinct from any individual Schedule's cron
// expression) until ctx is cancelled.
func runScheduler(ctx context.Context, sched *orchestration.Scheduler, schedulerCron string, zl *zap.Logger) {
	if schedulerCron == "" {
		schedulerCron = "* * * * *"
	}

	c := cron.New()
	_, err := c.AddFunc(schedulerCron, func() {
		if err := sched.Tick(ctx, time.Now().UTC()); err != nil {
			zl.Error("scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		zl.Fatal("invalid AUTOMATION_SCHEDULER_CRON", zap.String("cron", schedulerCron), zap.Error(err))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
