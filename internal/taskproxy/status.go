// Package taskproxy implements the per-(task-name, cycle-point) instance
// state machine (spec.md C3), grounded on the teacher's
// workflowExecutionContext (per-identity mutation under a lock, an
// optimistic version counter) and mutableStateBuilder (append-only event
// application via Add*Event-style methods).
package taskproxy

import "fmt"

// Status is one of the task proxy states of spec.md §4.3. Held is tracked
// as an orthogonal flag on Proxy, not as a Status value.
type Status int

const (
	StatusWaiting Status = iota
	StatusPreparing
	StatusSubmitted
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSubmitFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusPreparing:
		return "preparing"
	case StatusSubmitted:
		return "submitted"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSubmitFailed:
		return "submit-failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal status (no further transitions
// except restart-from-terminal, which this engine never performs).
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSubmitFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Event is a state-machine input, one per row of the transition table in
// spec.md §4.3.
type Event int

const (
	EventReady Event = iota // all prerequisites + xtriggers satisfied, not held
	EventSubmitOK
	EventSubmitFailed
	EventStarted
	EventSubmissionTimedOut
	EventSucceeded
	EventFailed
	EventExpire
	EventRetry // re-enter preparing after a retry delay
)

// InvalidTransitionError is returned when Event does not apply to the
// proxy's current Status.
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %d does not apply to status %s", e.Event, e.From)
}
