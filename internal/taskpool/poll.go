package taskpool

import (
	"time"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// All returns every currently active proxy, for callers (the scheduler
// main loop) that need to scan output sets between ticks.
func (p *Pool) All() []*taskproxy.Proxy {
	out := make([]*taskproxy.Proxy, 0, len(p.active))
	for _, proxy := range p.active {
		out = append(out, proxy)
	}
	return out
}

// DuePollRef identifies one in-flight job the scheduler should poll.
// ForceKillIfRunning marks the spec.md §4.7 deadline poll: if this poll
// still finds the job running, it must be killed and recorded failed
// rather than left to poll again on the ordinary interval.
type DuePollRef struct {
	ProxyID            string
	Platform           string
	JobID              string
	ForceKillIfRunning bool
}

// DuePollRefs returns a DuePollRef for every proxy whose current job is
// due a poll at now, per Proxy.DuePoll (spec.md §4.10: "poll runners
// whose deadline has passed"; spec.md §4.7's execution-time-limit deadline
// poll is reported via ForceKillIfRunning).
func (p *Pool) DuePollRefs(now time.Time) []DuePollRef {
	var out []DuePollRef
	for id, proxy := range p.active {
		due, forceKill := proxy.DuePoll(now)
		if !due {
			continue
		}
		job := proxy.Jobs[len(proxy.Jobs)-1]
		out = append(out, DuePollRef{
			ProxyID:            id.String(),
			Platform:           job.Platform,
			JobID:              job.RunnerJobID,
			ForceKillIfRunning: forceKill,
		})
	}
	return out
}

// ScheduleNextPoll arms proxyID's next poll time from the given
// submission/execution interval functions (spec.md §4.7).
func (p *Pool) ScheduleNextPoll(proxyID string, now time.Time, submissionInterval, executionInterval func(attempt int) time.Duration) {
	for id, proxy := range p.active {
		if id.String() != proxyID {
			continue
		}
		proxy.ScheduleNextPoll(now, submissionInterval, executionInterval)
		return
	}
}

// ArmExecutionDeadline arms proxyID's execution-time-limit deadline after
// a successful submission (spec.md §4.7).
func (p *Pool) ArmExecutionDeadline(proxyID string, oneInterval time.Duration) {
	for id, proxy := range p.active {
		if id.String() != proxyID {
			continue
		}
		proxy.ArmExecutionDeadline(oneInterval)
		return
	}
}

// ForceFail drives proxyID straight to failed, for the spec.md §4.7
// execution-time-limit kill path: "if still running, the job is killed
// and recorded as failed".
func (p *Pool) ForceFail(proxyID string, now time.Time) {
	for id, proxy := range p.active {
		if id.String() != proxyID {
			continue
		}
		_ = proxy.Advance(taskproxy.EventFailed, now)
		return
	}
}

// ApplyPollResult advances the proxy identified by proxyID according to a
// poll's exit classification (spec.md §4.7/§4.8).
func (p *Pool) ApplyPollResult(proxyID string, exit taskproxy.ExitClassification, now time.Time) {
	for id, proxy := range p.active {
		if id.String() != proxyID {
			continue
		}
		switch exit {
		case taskproxy.ExitSucceeded:
			_ = proxy.Advance(taskproxy.EventSucceeded, now)
		default:
			_ = proxy.Advance(taskproxy.EventFailed, now)
		}
		return
	}
}

// RunningProxyIDs returns the identity strings of every proxy currently
// submitted or running, for the SIGHUP "orphaned tasks" warning
// (spec.md §4.10).
func (p *Pool) RunningProxyIDs() []string {
	var out []string
	for id, proxy := range p.active {
		if proxy.Status == taskproxy.StatusSubmitted || proxy.Status == taskproxy.StatusRunning {
			out = append(out, id.String())
		}
	}
	return out
}

// Remove deletes id from the active set unconditionally, for the operator
// `remove` command (spec.md §4.10).
func (p *Pool) Remove(id taskproxy.Identity) {
	delete(p.active, id)
}

// ResetStatus forcibly overwrites a proxy's status without running it
// through the normal event transitions, for the operator `reset` command
// (spec.md §4.10), which is explicitly an override of the state machine
// rather than an input to it.
func (p *Pool) ResetStatus(id taskproxy.Identity, status taskproxy.Status) bool {
	proxy, ok := p.active[id]
	if !ok {
		return false
	}
	proxy.Status = status
	return true
}

// Trigger forces id into preparing regardless of prerequisite/xtrigger
// satisfaction, for the operator `trigger` command (spec.md §4.10). It is
// a no-op if id is not currently waiting.
func (p *Pool) Trigger(id taskproxy.Identity, now time.Time) error {
	proxy, ok := p.active[id]
	if !ok {
		return nil
	}
	if proxy.Status != taskproxy.StatusWaiting {
		return nil
	}
	return proxy.Advance(taskproxy.EventReady, now)
}

// SubmittedProxyIDs returns the identity strings of every proxy still in
// StatusSubmitted, used by the SIGINT/SIGTERM graceful-shutdown wait
// (spec.md §4.10: "wait for submitted-but-not-yet-running jobs").
func (p *Pool) SubmittedProxyIDs() []string {
	var out []string
	for id, proxy := range p.active {
		if proxy.Status == taskproxy.StatusSubmitted {
			out = append(out, id.String())
		}
	}
	return out
}
