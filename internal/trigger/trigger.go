// Package trigger maps incoming repository events to a deployment run context.
// The context is immutable for the lifetime of a run; every conditional stage
// decision is a pure function of it.
package trigger

import (
	"fmt"
	"time"
)

// Event identifies the kind of repository event that started a run.
type Event string

const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull_request"
	EventDispatch    Event = "dispatch"
)

// ParseEvent validates an event name from the wire.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventPush, EventPullRequest, EventDispatch:
		return Event(s), nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Selection is the closed set of deploy-target choices for a dispatch or push.
type Selection string

const (
	SelectData      Selection = "data"
	SelectReversion Selection = "reversion"
	SelectMomentum  Selection = "momentum"
	SelectAll       Selection = "all"
	SelectNone      Selection = "none"
)

// ParseSelection validates a selection value. Empty input resolves to the
// event-appropriate default: "all" for pushes, "none" for everything else.
func ParseSelection(s string, ev Event) (Selection, error) {
	if s == "" {
		if ev == EventPush {
			return SelectAll, nil
		}
		return SelectNone, nil
	}
	switch Selection(s) {
	case SelectData, SelectReversion, SelectMomentum, SelectAll, SelectNone:
		return Selection(s), nil
	default:
		return "", fmt.Errorf("unknown deploy selection %q", s)
	}
}

// Context is the resolved run context handed to stage predicates.
// ProtectedBranch is fixed at resolution time so the context stays a plain
// value that serializes cleanly.
type Context struct {
	Event           Event     `json:"event"`
	Branch          string    `json:"branch"`
	Commit          string    `json:"commit"`
	Selection       Selection `json:"selection"`
	Actor           string    `json:"actor"`
	ProtectedBranch bool      `json:"protectedBranch"`
	At              time.Time `json:"at"`
}

// Resolver turns raw events into run contexts. ProtectedBranches lists the
// branches a push may deploy from; it defaults to just "main".
type Resolver struct {
	ProtectedBranches []string
}

// Resolve validates the inputs and produces the run context.
func (r Resolver) Resolve(event, branch, selection, commit, actor string) (Context, error) {
	ev, err := ParseEvent(event)
	if err != nil {
		return Context{}, err
	}
	sel, err := ParseSelection(selection, ev)
	if err != nil {
		return Context{}, err
	}
	if branch == "" && ev != EventDispatch {
		return Context{}, fmt.Errorf("branch required for %s events", ev)
	}

	branches := r.ProtectedBranches
	if len(branches) == 0 {
		branches = []string{"main"}
	}
	protected := false
	for _, b := range branches {
		if b == branch {
			protected = true
			break
		}
	}

	return Context{
		Event:           ev,
		Branch:          branch,
		Commit:          commit,
		Selection:       sel,
		Actor:           actor,
		ProtectedBranch: protected,
		At:              time.Now().UTC(),
	}, nil
}

// ProtectedPush reports whether the context represents a push to a branch
// that deployments are allowed from.
func (c Context) ProtectedPush() bool {
	return c.Event == EventPush && c.ProtectedBranch
}

// DeploysTo reports whether the run should deploy the named service. It is
// true only for protected pushes whose selection covers the service; an
// explicit "none" disables every deploy regardless of event kind, and manual
// dispatches never deploy.
func (c Context) DeploysTo(service Selection) bool {
	if c.Selection == SelectNone {
		return false
	}
	if !c.ProtectedPush() {
		return false
	}
	return c.Selection == SelectAll || c.Selection == service
}

// Provisions reports whether the run should touch shared infrastructure.
// Pull requests only build; pushes and dispatches may refresh infrastructure
// unless deploys were explicitly disabled.
func (c Context) Provisions() bool {
	if c.Event == EventPullRequest {
		return false
	}
	return c.Selection != SelectNone
}
