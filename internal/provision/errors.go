package provision

import "fmt"

// ValidationError reports a template or parameter problem caught before any
// cloud call. It is deliberately a distinct type from ApplyError so callers
// can tell "your input is wrong" apart from "the control plane refused".
type ValidationError struct {
	Stack  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("template validation: %s", e.Detail)
	}
	return fmt.Sprintf("stack %s: template validation: %s", e.Stack, e.Detail)
}

// ResolutionError reports a parameter reference that could not be satisfied,
// most commonly an import of an export no upstream stack published. Apply
// wraps it in an ApplyError, so errors.As matches either type.
type ResolutionError struct {
	Stack     string
	Parameter string
	Reference string
	Err       error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("parameter %s: cannot resolve %q", e.Parameter, e.Reference)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ApplyError reports a failed stack apply: a control-plane rejection, an
// unstable final status, or a wrapped resolution failure.
type ApplyError struct {
	Stack  string
	Status string
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("stack %s: apply failed in status %s: %v", e.Stack, e.Status, e.Err)
	}
	return fmt.Sprintf("stack %s: apply failed: %v", e.Stack, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
