package taskproxy

import (
	"sync"
	"time"

	"github.com/cylc/cylc-flow-sub005/internal/prereq"
)

// ExitClassification is the runner exit classification of spec.md §4.7.
type ExitClassification string

const (
	ExitSucceeded ExitClassification = "SUCCEEDED"
	ExitErr       ExitClassification = "ERR"
	ExitTerm      ExitClassification = "TERM"
	ExitXCPU      ExitClassification = "XCPU"
	ExitVacated   ExitClassification = "vacated/USR1"
)

// JobRecord is one submission attempt (spec.md §3: "per-attempt job record").
type JobRecord struct {
	SubmitNumber  int
	Platform      string
	RunnerJobID   string
	Status        Status // Submitted/Running/terminal, scoped to this attempt
	SubmitTime    time.Time
	StartTime     time.Time
	ExitTime      time.Time
	Exit          ExitClassification
	Vacated       bool
	PollInterval  int // index into the relevant polling-interval sequence

	// NextPollAt is when this job is next due a poll; zero means due
	// immediately. ExecutionDeadline is the spec.md §4.7 "deadline poll
	// time = submit_time + limit + one configured poll interval" past
	// which a still-running job is force-polled and killed if still
	// running; zero means no execution time limit is armed.
	NextPollAt        time.Time
	ExecutionDeadline time.Time
}

// NonTerminal reports whether this job record is still in flight.
func (j *JobRecord) NonTerminal() bool {
	return j.Status == StatusSubmitted || j.Status == StatusRunning || j.Status == StatusPreparing
}

// Identity is (task_name, cycle_point).
type Identity struct {
	TaskName   string
	CyclePoint string
}

func (id Identity) String() string { return id.TaskName + "." + id.CyclePoint }

// RetryPolicy is the per-phase retry-delay sequence (spec.md §4.3).
type RetryPolicy struct {
	SubmitDelays    []time.Duration
	ExecutionDelays []time.Duration
}

func (r RetryPolicy) delaysFor(phase Status) []time.Duration {
	if phase == StatusSubmitFailed {
		return r.SubmitDelays
	}
	return r.ExecutionDelays
}

// Proxy is a mutable instance of a task definition at a specific cycle
// point. All mutation happens through Advance, called only from the
// scheduler main loop (spec.md §5); the mutex guards concurrent *reads*
// from the snapshot publisher against the main loop's writes, mirroring
// workflowExecutionContext's own sync.Mutex usage for a single execution.
type Proxy struct {
	mu sync.Mutex

	Identity      Identity
	Status        Status
	Held          bool
	Spawned       bool
	SubmitNumber  int
	Jobs          []JobRecord
	Prerequisites *prereq.Expr
	Outputs       map[string]bool
	Completion    *prereq.Completion
	Retry         RetryPolicy
	retriesUsed   map[Status]int

	// ExecutionTimeLimit is the task's configured execution time limit
	// (spec.md §4.7). Zero disables execution-time-limit polling.
	ExecutionTimeLimit time.Duration

	// version is an optimistic update counter, grounded on
	// workflowExecutionContext.updateCondition.
	version int64
}

// NewProxy constructs a fresh, unspawned proxy at StatusWaiting.
func NewProxy(id Identity, prereqs *prereq.Expr, completion *prereq.Completion, retry RetryPolicy) *Proxy {
	return &Proxy{
		Identity:      id,
		Status:        StatusWaiting,
		Prerequisites: prereqs,
		Outputs:       map[string]bool{},
		Completion:    completion,
		Retry:         retry,
		retriesUsed:   map[Status]int{},
	}
}

// Version returns the current optimistic-update counter, for callers doing
// compare-and-swap style persistence writes.
func (p *Proxy) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Ready reports whether p's prerequisites are currently satisfied, xtriggers
// are satisfied (xtriggersOK, supplied by the caller since the xtrigger
// engine owns that state) and p is not held.
func (p *Proxy) Ready(xtriggersOK bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status != StatusWaiting || p.Held || !xtriggersOK {
		return false, nil
	}
	if p.Prerequisites == nil {
		return true, nil
	}
	return p.Prerequisites.Evaluate()
}

// Advance applies event to p's state machine per the transition table of
// spec.md §4.3, returning InvalidTransitionError for a disallowed event.
func (p *Proxy) Advance(event Event, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.version++ }()

	switch event {
	case EventReady:
		if p.Status != StatusWaiting {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusPreparing
		p.SubmitNumber++
		p.Jobs = append(p.Jobs, JobRecord{SubmitNumber: p.SubmitNumber, Status: StatusPreparing, SubmitTime: now})

	case EventSubmitOK:
		if p.Status != StatusPreparing {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusSubmitted
		p.currentJob().Status = StatusSubmitted
		p.currentJob().SubmitTime = now

	case EventSubmitFailed:
		if p.Status != StatusPreparing {
			return &InvalidTransitionError{p.Status, event}
		}
		p.currentJob().Exit = ExitErr
		p.currentJob().ExitTime = now
		if p.scheduleRetry(StatusSubmitFailed, now) {
			return nil
		}
		p.Status = StatusSubmitFailed
		p.currentJob().Status = StatusSubmitFailed
		p.Outputs[prereq.OutputSubmitFailed] = true

	case EventStarted:
		if p.Status != StatusSubmitted {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusRunning
		p.currentJob().Status = StatusRunning
		p.currentJob().StartTime = now

	case EventSubmissionTimedOut:
		if p.Status != StatusSubmitted {
			return &InvalidTransitionError{p.Status, event}
		}
		p.currentJob().Exit = ExitErr
		p.currentJob().ExitTime = now
		if p.scheduleRetry(StatusSubmitFailed, now) {
			return nil
		}
		p.Status = StatusSubmitFailed
		p.currentJob().Status = StatusSubmitFailed
		p.Outputs[prereq.OutputSubmitFailed] = true

	case EventSucceeded:
		if p.Status != StatusRunning {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusSucceeded
		p.currentJob().Status = StatusSucceeded
		p.currentJob().Exit = ExitSucceeded
		p.currentJob().ExitTime = now
		p.Outputs[prereq.OutputSucceeded] = true

	case EventFailed:
		if p.Status != StatusRunning {
			return &InvalidTransitionError{p.Status, event}
		}
		p.currentJob().Exit = ExitErr
		p.currentJob().ExitTime = now
		if p.scheduleRetry(StatusFailed, now) {
			return nil
		}
		p.Status = StatusFailed
		p.currentJob().Status = StatusFailed
		p.Outputs[prereq.OutputFailed] = true

	case EventExpire:
		if p.Status.Terminal() {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusExpired
		p.Outputs[prereq.OutputExpired] = true

	case EventRetry:
		if p.Status != StatusSubmitFailed && p.Status != StatusFailed {
			return &InvalidTransitionError{p.Status, event}
		}
		p.Status = StatusPreparing
		p.SubmitNumber++
		p.Jobs = append(p.Jobs, JobRecord{SubmitNumber: p.SubmitNumber, Status: StatusPreparing, SubmitTime: now})

	default:
		return &InvalidTransitionError{p.Status, event}
	}
	return nil
}

// scheduleRetry consumes one entry of the retry-delay sequence for phase,
// if any remain, and reports whether a retry was scheduled (in which case
// the caller must not also set a terminal status). Exhausted retries return
// false, per spec.md §4.3: "Exhausted retries terminate the proxy in the
// failed state."
func (p *Proxy) scheduleRetry(phase Status, now time.Time) bool {
	delays := p.Retry.delaysFor(phase)
	used := p.retriesUsed[phase]
	if used >= len(delays) {
		return false
	}
	p.retriesUsed[phase] = used + 1
	// The caller (scheduler main loop) is responsible for re-invoking
	// Advance(EventRetry, ...) after delays[used] elapses. Here the retry
	// is recorded as owed, and Status and the current job's status are set
	// to phase, so the proxy shows the failed attempt until the retry
	// actually fires.
	p.Status = phase
	p.currentJob().Status = phase
	return true
}

// RetryDelay returns the delay before the next retry attempt for phase, and
// ok=false if no retry is owed.
func (p *Proxy) RetryDelay(phase Status) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delays := p.Retry.delaysFor(phase)
	used := p.retriesUsed[phase]
	if used == 0 || used > len(delays) {
		return 0, false
	}
	return delays[used-1], true
}

// RecordSubmission attaches the runner-assigned platform and job id to the
// current (preparing) job record, called between the EventReady and
// EventSubmitOK/EventSubmitFailed transitions once the job manager has
// heard back from the runner.
func (p *Proxy) RecordSubmission(platform, runnerJobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Jobs) == 0 {
		return
	}
	p.currentJob().Platform = platform
	p.currentJob().RunnerJobID = runnerJobID
}

func (p *Proxy) currentJob() *JobRecord {
	return &p.Jobs[len(p.Jobs)-1]
}

// ArmExecutionDeadline sets the current job's execution deadline to
// submit_time + limit + oneInterval, per spec.md §4.7. A no-op if the
// proxy has no execution time limit configured or no job record yet.
func (p *Proxy) ArmExecutionDeadline(oneInterval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExecutionTimeLimit <= 0 || len(p.Jobs) == 0 {
		return
	}
	job := p.currentJob()
	job.ExecutionDeadline = job.SubmitTime.Add(p.ExecutionTimeLimit).Add(oneInterval)
}

// DuePoll reports whether the current job is due a poll at now, and
// whether that poll is the forced execution-time-limit poll past which a
// still-running job must be killed (spec.md §4.7).
func (p *Proxy) DuePoll(now time.Time) (due, forceKill bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Jobs) == 0 {
		return false, false
	}
	job := p.currentJob()
	if job.Platform == "" || job.RunnerJobID == "" {
		return false, false
	}
	if !job.NonTerminal() {
		return false, false
	}
	pastDeadline := !job.ExecutionDeadline.IsZero() && !now.Before(job.ExecutionDeadline)
	due = job.NextPollAt.IsZero() || !now.Before(job.NextPollAt) || pastDeadline
	return due, pastDeadline
}

// ScheduleNextPoll consumes one entry of the relevant polling-interval
// sequence (submission while preparing/submitted, execution once running)
// and arms the current job's NextPollAt, per spec.md §4.7's two
// configurable poll-interval sequences.
func (p *Proxy) ScheduleNextPoll(now time.Time, submissionInterval, executionInterval func(attempt int) time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Jobs) == 0 {
		return
	}
	job := p.currentJob()
	interval := submissionInterval
	if job.Status == StatusRunning {
		interval = executionInterval
	}
	if interval == nil {
		return
	}
	job.NextPollAt = now.Add(interval(job.PollInterval))
	job.PollInterval++
}

// OutputComplete reports whether p's completion expression is satisfied by
// its current output set (spec.md §3).
func (p *Proxy) OutputComplete() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Completion == nil {
		return p.Outputs[prereq.OutputSucceeded], nil
	}
	return p.Completion.Evaluate(p.Outputs)
}

// CompleteOutput marks a named output completed and returns whether it was
// a change (idempotent, supports P6).
func (p *Proxy) CompleteOutput(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Outputs[name] {
		return false
	}
	p.Outputs[name] = true
	return true
}

// Invariant P1 check, exposed for tests and for the event router's
// defensive assertions before persisting a transition.
func (p *Proxy) CheckInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Jobs) != p.SubmitNumber {
		return &InvariantViolation{Detail: "len(jobs) != submit_number"}
	}
	nonTerminal := 0
	for i := range p.Jobs {
		if p.Jobs[i].NonTerminal() {
			nonTerminal++
		}
	}
	if nonTerminal > 1 {
		return &InvariantViolation{Detail: "more than one job in a non-terminal status"}
	}
	return nil
}

// InvariantViolation signals a broken state-machine invariant (P1).
type InvariantViolation struct{ Detail string }

func (e *InvariantViolation) Error() string { return "task proxy invariant violated: " + e.Detail }
