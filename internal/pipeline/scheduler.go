package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// TransitionListener observes every stage transition (running and terminal)
// plus run completion. It is invoked from the scheduler goroutine, so
// implementations decide their own concurrency. res is a copy.
type TransitionListener func(run *Run, res StageResult)

// SchedulerConfig bounds how a run executes.
type SchedulerConfig struct {
	// Concurrency limits stages doing work at once. Defaults to 4 if <= 0.
	Concurrency int

	// StageTimeout is the per-stage execution deadline. Suspended stages
	// (approval gates) are exempt; their waits are unbounded. Defaults to
	// 15m if zero.
	StageTimeout time.Duration
}

// Scheduler executes a validated stage graph. Stages become eligible when
// every declared dependency is terminal; the stage predicate then decides
// execute versus skip. A failure never halts the run, it only skips the
// downstream stages whose predicates require success, so independent branches
// always finish. Nothing is retried; a re-trigger is a new run.
type Scheduler struct {
	cfg      SchedulerConfig
	listener TransitionListener
}

func NewScheduler(cfg SchedulerConfig, listener TransitionListener) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 15 * time.Minute
	}
	return &Scheduler{cfg: cfg, listener: listener}
}

// completion is what a stage goroutine reports back to the scheduler loop.
type completion struct {
	id      string
	outcome Outcome
	outputs Outputs
	reason  string
}

// Execute runs the graph to completion and mutates run in place. It returns
// an error only for invalid graphs or a cancelled context; stage failures are
// recorded on the run, not returned.
func (s *Scheduler) Execute(ctx context.Context, reg *Registry, run *Run) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("invalid stage graph: %w", err)
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, st := range reg.Stages() {
		inDegree[st.ID] = len(st.Needs)
		for _, dep := range st.Needs {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}

	var ready []string
	for _, st := range reg.Stages() {
		if inDegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}
	sort.Strings(ready)

	completions := make(chan completion)
	sem := make(chan struct{}, s.cfg.Concurrency)
	running := 0

	log.Printf("[pipeline] run %s: %d stages, concurrency=%d", run.ID, reg.Len(), s.cfg.Concurrency)

	advance := func(id string) {
		for _, depID := range dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				ready = append(ready, depID)
			}
		}
		sort.Strings(ready)
	}

	for {
		// Drain the ready queue: skip or launch each eligible stage.
		for len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			st, _ := reg.Stage(id)
			deps := run.depsOf(st)

			pred := st.When
			if pred == nil {
				pred = AllSucceeded
			}
			if !pred(run.Trigger, deps) {
				s.record(run, id, OutcomeSkipped, nil, skipReason(st, deps))
				advance(id)
				continue
			}

			s.markRunning(run, id)
			running++
			go s.launch(ctx, st, StageContext{
				RunID:   run.ID,
				StageID: id,
				Trigger: run.Trigger,
				Deps:    deps,
			}, sem, completions)
		}

		if running == 0 {
			break
		}

		c := <-completions
		running--
		s.record(run, c.id, c.outcome, c.outputs, c.reason)
		advance(c.id)
	}

	s.finish(run)

	// Cancellation surfaces through stage contexts, so every stage is still
	// terminal here; the caller just learns the run was cut short.
	return ctx.Err()
}

// launch executes one stage and reports its completion. Suspenders park on
// their resolution channel without holding a worker slot; everything else
// acquires the semaphore and runs under the stage timeout.
func (s *Scheduler) launch(ctx context.Context, st *Stage, sc StageContext, sem chan struct{}, completions chan<- completion) {
	if susp, ok := st.Exec.(Suspender); ok {
		ch, err := susp.Suspend(ctx, sc)
		if err != nil {
			completions <- completion{id: st.ID, outcome: OutcomeFailed, reason: err.Error()}
			return
		}
		select {
		case <-ctx.Done():
			completions <- completion{id: st.ID, outcome: OutcomeSkipped, reason: "run cancelled"}
		case res := <-ch:
			if res.Approved {
				completions <- completion{id: st.ID, outcome: OutcomeSucceeded, outputs: Outputs{
					"approvedBy": res.Actor,
					"reason":     res.Reason,
				}}
			} else {
				reason := fmt.Sprintf("approval rejected by %s", res.Actor)
				if res.Reason != "" {
					reason += ": " + res.Reason
				}
				completions <- completion{id: st.ID, outcome: OutcomeSkipped, reason: reason}
			}
		}
		return
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	execCtx := ctx
	if s.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.StageTimeout)
		defer cancel()
	}

	out, err := st.Exec.Execute(execCtx, sc)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			reason = fmt.Sprintf("stage timeout after %s: %v", s.cfg.StageTimeout, err)
		}
		completions <- completion{id: st.ID, outcome: OutcomeFailed, reason: reason}
		return
	}
	completions <- completion{id: st.ID, outcome: OutcomeSucceeded, outputs: out}
}

func (s *Scheduler) markRunning(run *Run, id string) {
	res := run.Stages[id]
	now := time.Now().UTC()
	res.Outcome = OutcomeRunning
	res.StartedAt = &now
	s.notify(run, *res)
	log.Printf("[pipeline] run %s: stage %s running", run.ID, id)
}

func (s *Scheduler) record(run *Run, id string, outcome Outcome, outputs Outputs, reason string) {
	res := run.Stages[id]
	now := time.Now().UTC()
	res.Outcome = outcome
	res.Outputs = outputs
	res.Reason = reason
	res.FinishedAt = &now
	s.notify(run, *res)
	if reason != "" {
		log.Printf("[pipeline] run %s: stage %s %s (%s)", run.ID, id, outcome, reason)
	} else {
		log.Printf("[pipeline] run %s: stage %s %s", run.ID, id, outcome)
	}
}

func (s *Scheduler) finish(run *Run) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	log.Printf("[pipeline] run %s: finished, healthy=%v", run.ID, run.Healthy())
}

func (s *Scheduler) notify(run *Run, res StageResult) {
	if s.listener != nil {
		s.listener(run, res)
	}
}

// skipReason names the first unsatisfied dependency, or falls back to the
// trigger when upstream was fine but the predicate declined.
func skipReason(st *Stage, deps Deps) string {
	ids := append([]string(nil), st.Needs...)
	sort.Strings(ids)
	for _, id := range ids {
		if res, ok := deps[id]; ok && res.Outcome != OutcomeSucceeded {
			return fmt.Sprintf("dependency %s %s", id, res.Outcome)
		}
	}
	return "not selected by trigger"
}
