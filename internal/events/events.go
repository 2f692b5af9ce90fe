// Package events publishes deployment run activity to interested systems:
// the Kafka event stream consumed by dashboards and the SNS topic operators
// subscribe to. Emitters are best-effort; the run itself never fails because
// a notification did.
package events

import (
	"context"
	"log"
	"time"
)

// Type labels an event on the wire.
type Type string

const (
	TypeRunStarted      Type = "run.started"
	TypeStageRunning    Type = "stage.running"
	TypeStageFinished   Type = "stage.finished"
	TypeApprovalPending Type = "approval.pending"
	TypeRunFinished     Type = "run.finished"
)

// Event is the wire format shared by every emitter.
type Event struct {
	Type      Type              `json:"type"`
	RunID     string            `json:"runId"`
	StageID   string            `json:"stageId,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Healthy   *bool             `json:"healthy,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	At        time.Time         `json:"at"`
	Commit    string            `json:"commit,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	EventKind string            `json:"eventKind,omitempty"`
}

// Emitter publishes one event. Implementations own their retries.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events; it stands in when nothing is configured.
type Nop struct{}

func (Nop) Emit(ctx context.Context, ev Event) error { return nil }
func (Nop) Close() error                             { return nil }

// Fanout emits to every child and logs failures instead of propagating them;
// one slow or broken sink must not starve the others.
type Fanout struct {
	emitters []Emitter
}

func NewFanout(emitters ...Emitter) *Fanout {
	return &Fanout{emitters: emitters}
}

func (f *Fanout) Emit(ctx context.Context, ev Event) error {
	for _, e := range f.emitters {
		if err := e.Emit(ctx, ev); err != nil {
			log.Printf("[events] emit %s for run %s: %v", ev.Type, ev.RunID, err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var first error
	for _, e := range f.emitters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
