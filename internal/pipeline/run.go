package pipeline

import (
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

// Run is the mutable record of one pipeline execution. It is written only by
// the scheduler goroutine that owns it; readers observe progress through the
// transition listener and the store, never by touching a live Run.
type Run struct {
	ID         string                  `json:"id"`
	Trigger    trigger.Context         `json:"trigger"`
	Stages     map[string]*StageResult `json:"stages"`
	CreatedAt  time.Time               `json:"createdAt"`
	FinishedAt *time.Time              `json:"finishedAt,omitempty"`
}

// NewRun seeds a run with a pending result slot per registered stage.
func NewRun(id string, tc trigger.Context, reg *Registry) *Run {
	run := &Run{
		ID:        id,
		Trigger:   tc,
		Stages:    map[string]*StageResult{},
		CreatedAt: time.Now().UTC(),
	}
	for _, st := range reg.Stages() {
		run.Stages[st.ID] = &StageResult{
			StageID: st.ID,
			Kind:    st.Kind,
			Outcome: OutcomePending,
		}
	}
	return run
}

// Result returns a copy of the stage's current result.
func (r *Run) Result(stageID string) (StageResult, bool) {
	res, ok := r.Stages[stageID]
	if !ok {
		return StageResult{}, false
	}
	return *res, true
}

// Terminal reports whether every stage reached a final outcome.
func (r *Run) Terminal() bool {
	for _, res := range r.Stages {
		if !res.Outcome.Terminal() {
			return false
		}
	}
	return true
}

// Healthy reports whether the run finished without a failed stage. Skipped
// stages (including rejected approvals) do not make a run unhealthy.
func (r *Run) Healthy() bool {
	for _, res := range r.Stages {
		if res.Outcome == OutcomeFailed {
			return false
		}
	}
	return true
}

// depsOf snapshots the declared dependencies of a stage.
func (r *Run) depsOf(st *Stage) Deps {
	deps := make(Deps, len(st.Needs))
	for _, id := range st.Needs {
		if res, ok := r.Stages[id]; ok {
			deps[id] = *res
		}
	}
	return deps
}
