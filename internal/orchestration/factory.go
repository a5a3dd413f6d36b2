package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/config"
	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/durable"
	"github.com/vigiecall/automation-orchestrator/internal/lock"
)

// Deps are the already-constructed infrastructure primitives (a repository,
// a bus, a checkpoint store, a locker, and the external collaborator
// clients) that Build assembles into the running orchestrator components.
// Splitting construction this way keeps main.go's choice of Postgres vs.
// in-memory, Redis vs. in-memory entirely out of this package.
type Deps struct {
	Repo       contracts.Repository
	Bus        contracts.EventBus
	Realtime   contracts.RealtimeBus
	Checkpoint durable.CheckpointStore
	Locker     *lock.Locker

	CRM           contracts.CRMClient
	Transcription contracts.TranscriptionClient
	Audit         contracts.AuditClient
	Notify        contracts.Notifier

	Zap    *zap.Logger
	Config *config.Config
}

// Runtime is every orchestration-layer component wired and ready to run,
// returned by Build.
type Runtime struct {
	Scheduler      *Scheduler
	RunOrchestrator *RunOrchestrator
	DayWorker      *DayWorker
	FicheWorker    *FicheWorker
	Dispatcher     *Dispatcher

	// Engine resolves (and memoizes) one contracts.Engine per durable
	// workflow instance id (one per Run). Exposed so main.go's
	// `automation/run` handler can hand the same instance's engine to
	// RunOrchestrator.Execute.
	Engine EngineFactory
}

// Build wires every orchestration component from deps, following the
// factory pattern of grouping constructor calls behind one entry point so
// main.go only ever constructs infrastructure, never policy.
func Build(deps Deps) *Runtime {
	timings := gateTimingsFromConfig(deps.Config)

	engines := newEngineFactory(deps.Checkpoint, deps.Bus)

	ficheWorker := NewFicheWorker(deps.Repo, deps.CRM, deps.Transcription, deps.Audit)
	dayWorker := NewDayWorker(deps.Repo, deps.CRM, timings)

	dayConcurrency := deps.Config.DayConcurrency
	if dayConcurrency <= 0 {
		dayConcurrency = 3
	}
	debugDir := ""
	if deps.Config.DebugLogToFile {
		debugDir = "./run-logs"
	}
	runOrchestrator := NewRunOrchestrator(deps.Repo, deps.CRM, deps.Realtime, deps.Notify, deps.Zap, timings, dayWorker, dayConcurrency, debugDir)
	runOrchestrator.RevalidateConcurrency = 2

	dispatcher := NewDispatcher(ficheWorker, engines, deps.Zap)

	staleThreshold := deps.Config.StaleThreshold()
	scheduler := NewScheduler(deps.Repo, deps.Bus, deps.Locker, deps.Zap, deps.Config.SchedulerWindowMinutes, staleThreshold)

	return &Runtime{
		Scheduler:       scheduler,
		RunOrchestrator: runOrchestrator,
		DayWorker:       dayWorker,
		FicheWorker:     ficheWorker,
		Dispatcher:      dispatcher,
		Engine:          engines,
	}
}

// gateTimingsFromConfig translates the AUTOMATION_* env knobs into the
// three join-barrier configurations the fiche batch fan-out reads.
func gateTimingsFromConfig(cfg *config.Config) GateTimings {
	return GateTimings{
		FicheDetailsMaxWait:       cfg.FicheDetailsMaxWait,
		FicheDetailsPollInterval:  cfg.FicheDetailsPollInterval,
		TranscriptionMaxWait:      cfg.TranscriptionMaxWait,
		TranscriptionPollInterval: cfg.TranscriptionPollInterval,
		AuditMaxWait:              cfg.AuditMaxWait,
		AuditPollInterval:         cfg.AuditPollInterval,
		StallLimit:                3,
	}
}

// newEngineFactory returns an EngineFactory that builds one durable.Engine
// per instanceID and caches it, so repeated lookups for the same instance
// id share one checkpoint namespace and one real clock. The
// Run-Orchestrator's instance id is the trigger event id (RunFromEvent)
// while the dispatcher's is the Run id, so the two use separate namespaces.
func newEngineFactory(store durable.CheckpointStore, bus contracts.EventBus) EngineFactory {
	var mu sync.Mutex
	cache := make(map[string]contracts.Engine)
	return func(instanceID string) contracts.Engine {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := cache[instanceID]; ok {
			return e
		}
		e := durable.NewEngine(instanceID, store, bus, durable.RealClock())
		cache[instanceID] = e
		return e
	}
}

// RunFromEvent decodes an `automation/run` bus event and executes it
// through the Run-Orchestrator using the event id as its durable engine
// namespace (`automation-schedule-<scheduleId>-<dueAtMs>` for Scheduler
// events), so replays of the same tick land in the same workflow instance.
func (rt *Runtime) RunFromEvent(ctx context.Context, ev contracts.Event) (*contracts.Run, error) {
	trigger, err := decodeAs[contracts.RunTrigger](ev.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding automation/run payload: %w", err)
	}
	instanceID := ev.ID
	if instanceID == "" {
		instanceID = fmt.Sprintf("automation-schedule-%s-adhoc-%d", trigger.ScheduleID, time.Now().UnixNano())
	}
	engine := rt.Engine(instanceID)
	return rt.RunOrchestrator.Execute(ctx, engine, trigger)
}
