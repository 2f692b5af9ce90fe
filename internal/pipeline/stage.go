// Package pipeline models a deployment run as a directed acyclic graph of
// stages and executes it with bounded concurrency. Conditional execution is
// expressed as data (predicates over the trigger context and dependency
// results), not as control flow baked into stage code.
package pipeline

import (
	"context"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

// Kind classifies a stage by the class of work it performs.
type Kind string

const (
	KindBuild     Kind = "build"
	KindProvision Kind = "provision"
	KindGate      Kind = "gate"
	KindDeploy    Kind = "deploy"
)

// Outcome is the lifecycle state of a stage within one run.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Terminal reports whether the outcome is final for the run.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Outputs are the named values a stage publishes for its dependents.
type Outputs map[string]string

// StageResult is the per-run record of a single stage. Skipped stages never
// execute, so they carry a reason but no start time.
type StageResult struct {
	StageID    string     `json:"stageId"`
	Kind       Kind       `json:"kind"`
	Outcome    Outcome    `json:"outcome"`
	Outputs    Outputs    `json:"outputs,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Deps maps a stage's declared dependencies to their results. The scheduler
// only ever populates it with stages named in Needs, so predicates and
// executors cannot observe undeclared stages.
type Deps map[string]StageResult

// AllSucceededIn reports whether every dependency in the map succeeded.
func (d Deps) AllSucceededIn() bool {
	for _, res := range d {
		if res.Outcome != OutcomeSucceeded {
			return false
		}
	}
	return true
}

// StageContext carries per-invocation inputs to executors and suspenders.
type StageContext struct {
	RunID   string
	StageID string
	Trigger trigger.Context
	Deps    Deps
}

// Executor performs the work of a stage. A nil error with outputs marks the
// stage succeeded; any error marks it failed. Executors must honor ctx.
type Executor interface {
	Execute(ctx context.Context, sc StageContext) (Outputs, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sc StageContext) (Outputs, error)

func (f ExecutorFunc) Execute(ctx context.Context, sc StageContext) (Outputs, error) {
	return f(ctx, sc)
}

// Resolution is the decision that completes a suspended stage.
type Resolution struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// Suspender marks an executor whose completion arrives from outside the
// process (an approval, typically). The scheduler parks the stage on the
// returned channel without consuming a worker slot and without a deadline;
// the wait is unbounded until a decision lands or the run is cancelled.
type Suspender interface {
	Suspend(ctx context.Context, sc StageContext) (<-chan Resolution, error)
}

// Predicate decides whether a ready stage should execute, given the trigger
// context and the terminal results of its declared dependencies. Predicates
// must be pure.
type Predicate func(tc trigger.Context, deps Deps) bool

// Stage is a node in the run graph. When is consulted once all Needs are
// terminal; a nil When defaults to AllSucceeded.
type Stage struct {
	ID    string
	Kind  Kind
	Needs []string
	When  Predicate
	Exec  Executor
}
