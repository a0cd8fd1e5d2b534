// Package eventrouter implements the Event & Message Router (spec.md C8):
// a single MPSC queue of task messages and poll results that only the
// scheduler main loop drains, applying state-machine transitions in
// per-proxy arrival order (P7) while allowing cross-proxy reordering, and
// fanning out event-handler subprocesses on a bounded worker pool.
//
// Grounded on the teacher's historyEventNotifier, whose
// `chan *historyEventNotification` is exactly this MPSC-queue-drained-by-
// one-consumer shape; the per-proxy sequence counter generalizes
// historyEventNotifier's per-shard channel partitioning to a per-identity
// ordering guarantee instead of a per-shard one.
package eventrouter

import (
	"time"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// Severity is the reported severity of an incoming job message
// (spec.md §4.8: "messages ... carrying severity").
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Kind distinguishes a job-originated message from a poll result, since
// both funnel through the same queue (spec.md §4.8).
type Kind int

const (
	KindMessage Kind = iota
	KindPoll
)

// Envelope is one queued item: either an authenticated job message or a
// poll result, timestamped at arrival for P7's ordering guarantee.
type Envelope struct {
	Kind       Kind
	Identity   taskproxy.Identity
	ArrivedAt  time.Time
	// Message fields (Kind == KindMessage).
	Severity Severity
	EventName string // first word of the message body, per spec.md §4.8
	Body     string

	// Poll fields (Kind == KindPoll).
	PollExit       taskproxy.ExitClassification
	PollSubmitTime time.Time

	// seq is assigned at Enqueue time, monotonically increasing per
	// Identity, enforcing P7/arrival-order-per-proxy.
	seq uint64
}

// eventOf maps an Envelope to the state-machine Event it drives, per
// spec.md §4.3/§4.8. A poll carrying an exit classification is treated
// like the corresponding job message.
func eventOf(e Envelope) (taskproxy.Event, bool) {
	if e.Kind == KindPoll {
		switch e.PollExit {
		case taskproxy.ExitSucceeded:
			return taskproxy.EventSucceeded, true
		case taskproxy.ExitErr, taskproxy.ExitTerm, taskproxy.ExitXCPU:
			return taskproxy.EventFailed, true
		default:
			return 0, false
		}
	}
	switch e.EventName {
	case "submitted":
		return taskproxy.EventSubmitOK, true
	case "started":
		return taskproxy.EventStarted, true
	case "succeeded":
		return taskproxy.EventSucceeded, true
	case "failed":
		return taskproxy.EventFailed, true
	case "submit-failed":
		return taskproxy.EventSubmitFailed, true
	default:
		return 0, false
	}
}
