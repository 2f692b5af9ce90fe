// Package engine owns the lifecycle of deployment runs: resolve the trigger,
// build the run graph, execute it in the background, and fan results out to
// the store, the event stream, the archive, and the autoscaling controllers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/autoscale"
	"github.com/nexusmarkets/nexus-deploy/internal/events"
	"github.com/nexusmarkets/nexus-deploy/internal/fleet"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

// ErrInvalidTrigger marks trigger requests the caller can correct, as
// opposed to internal faults while starting the run.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Archiver is the slice of the run archiver the engine calls.
type Archiver interface {
	ArchiveRun(ctx context.Context, run *pipeline.Run) (string, error)
}

// Config tunes the engine.
type Config struct {
	Concurrency  int
	StageTimeout time.Duration
}

// Engine coordinates one fleet pipeline across many runs. Archiver and
// scaler may be nil; the store, emitter, and hub are required.
type Engine struct {
	resolver trigger.Resolver
	fleet    *fleet.Pipeline
	sched    *pipeline.Scheduler
	store    store.Store
	emitter  events.Emitter
	archiver Archiver
	hub      *approval.Hub
	scaler   *autoscale.Manager

	// baseCtx bounds background run execution; it outlives any single
	// HTTP request.
	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(baseCtx context.Context, resolver trigger.Resolver, fl *fleet.Pipeline, st store.Store, emitter events.Emitter, archiver Archiver, hub *approval.Hub, scaler *autoscale.Manager, cfg Config) *Engine {
	e := &Engine{
		resolver: resolver,
		fleet:    fl,
		store:    st,
		emitter:  emitter,
		archiver: archiver,
		hub:      hub,
		scaler:   scaler,
		baseCtx:  baseCtx,
	}
	e.sched = pipeline.NewScheduler(pipeline.SchedulerConfig{
		Concurrency:  cfg.Concurrency,
		StageTimeout: cfg.StageTimeout,
	}, e.onTransition)
	return e
}

// TriggerRequest is a raw inbound trigger, before validation.
type TriggerRequest struct {
	Event     string `json:"event"`
	Branch    string `json:"branch"`
	Selection string `json:"selection"`
	Commit    string `json:"commit"`
	Actor     string `json:"actor"`
}

// Trigger validates the request, persists a fresh run, and starts executing
// it in the background. The returned record is the run's initial state.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (store.RunRecord, error) {
	tc, err := e.resolver.Resolve(req.Event, req.Branch, req.Selection, req.Commit, req.Actor)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	reg, _, err := e.fleet.Definition()
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("build pipeline: %w", err)
	}

	run := pipeline.NewRun(uuid.NewString(), tc, reg)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return store.RunRecord{}, fmt.Errorf("persist run: %w", err)
	}

	e.emit(events.Event{
		Type:      events.TypeRunStarted,
		RunID:     run.ID,
		At:        run.CreatedAt,
		Commit:    tc.Commit,
		Branch:    tc.Branch,
		EventKind: string(tc.Event),
	})
	log.Printf("[engine] run %s: triggered by %s (%s %s, selection %s)", run.ID, tc.Actor, tc.Event, tc.Branch, tc.Selection)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(run, reg)
	}()

	rec, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("read back run: %w", err)
	}
	return rec, nil
}

func (e *Engine) execute(run *pipeline.Run, reg *pipeline.Registry) {
	if err := e.sched.Execute(e.baseCtx, reg, run); err != nil {
		log.Printf("[engine] run %s: execution cut short: %v", run.ID, err)
	}
	e.hub.CloseRun(run.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	healthy := run.Healthy()
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	if err := e.store.FinishRun(ctx, run.ID, finished, healthy); err != nil {
		log.Printf("[engine] run %s: finish run: %v", run.ID, err)
	}
	e.emit(events.Event{
		Type:    events.TypeRunFinished,
		RunID:   run.ID,
		Healthy: &healthy,
		At:      finished,
		Commit:  run.Trigger.Commit,
		Branch:  run.Trigger.Branch,
	})

	if e.archiver != nil {
		if key, err := e.archiver.ArchiveRun(ctx, run); err != nil {
			log.Printf("[engine] run %s: archive: %v", run.ID, err)
		} else {
			log.Printf("[engine] run %s: archived to %s", run.ID, key)
		}
	}

	e.startControllers(run)
}

// startControllers attaches an autoscaling controller to every service this
// run deployed. A redeploy replaces the service's running controller.
func (e *Engine) startControllers(run *pipeline.Run) {
	if e.scaler == nil {
		return
	}
	targets := e.fleet.ScalingTargets()
	for stageID, target := range targets {
		res, ok := run.Result(stageID)
		if !ok || res.Outcome != pipeline.OutcomeSucceeded {
			continue
		}
		if err := e.scaler.Ensure(e.baseCtx, target); err != nil {
			log.Printf("[engine] run %s: autoscale %s: %v", run.ID, target.ServiceRef, err)
		}
	}
}

// onTransition runs on the scheduler goroutine for every stage transition.
// Store writes use a fresh context so a cancelled run still records its
// final outcomes.
func (e *Engine) onTransition(run *pipeline.Run, res pipeline.StageResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.UpsertStageResult(ctx, run.ID, res); err != nil {
		log.Printf("[engine] run %s: persist stage %s: %v", run.ID, res.StageID, err)
	}

	ev := events.Event{
		RunID:   run.ID,
		StageID: res.StageID,
		Outcome: string(res.Outcome),
		Reason:  res.Reason,
		At:      time.Now().UTC(),
	}
	switch {
	case res.Outcome == pipeline.OutcomeRunning && res.Kind == pipeline.KindGate:
		ev.Type = events.TypeApprovalPending
	case res.Outcome == pipeline.OutcomeRunning:
		ev.Type = events.TypeStageRunning
	default:
		ev.Type = events.TypeStageFinished
		ev.Outputs = res.Outputs
	}
	e.emit(ev)
}

func (e *Engine) emit(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.emitter.Emit(ctx, ev); err != nil {
		log.Printf("[engine] emit %s for run %s: %v", ev.Type, ev.RunID, err)
	}
}

// ResolveApproval delivers an external decision to a pending gate.
func (e *Engine) ResolveApproval(runID, stageID string, res pipeline.Resolution) error {
	return e.hub.Resolve(runID, stageID, res)
}

// PendingApprovals lists gates awaiting a decision.
func (e *Engine) PendingApprovals() []approval.PendingGate {
	return e.hub.Pending()
}

// Wait blocks until every in-flight run has finished executing.
func (e *Engine) Wait() {
	e.wg.Wait()
}
