package taskproxy

import (
	"testing"
	"time"

	"github.com/cylc/cylc-flow-sub005/internal/prereq"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, retry RetryPolicy) *Proxy {
	t.Helper()
	completion, err := prereq.DefaultCompletion()
	require.NoError(t, err)
	return NewProxy(Identity{TaskName: "foo", CyclePoint: "1"}, nil, completion, retry)
}

func TestSimpleLinearLifecycle(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	now := time.Now()
	require.NoError(t, p.Advance(EventReady, now))
	require.Equal(t, StatusPreparing, p.Status)
	require.NoError(t, p.Advance(EventSubmitOK, now))
	require.Equal(t, StatusSubmitted, p.Status)
	require.NoError(t, p.Advance(EventStarted, now))
	require.Equal(t, StatusRunning, p.Status)
	require.NoError(t, p.Advance(EventSucceeded, now))
	require.Equal(t, StatusSucceeded, p.Status)
	require.Equal(t, 1, p.SubmitNumber)
	require.Len(t, p.Jobs, 1)
	ok, err := p.OutputComplete()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.CheckInvariants())
}

func TestInvalidTransition(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	err := p.Advance(EventStarted, time.Now())
	require.Error(t, err)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestExecutionRetryThenSucceed(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{ExecutionDelays: []time.Duration{time.Second}})
	now := time.Now()
	require.NoError(t, p.Advance(EventReady, now))
	require.NoError(t, p.Advance(EventSubmitOK, now))
	require.NoError(t, p.Advance(EventStarted, now))
	require.NoError(t, p.Advance(EventFailed, now))
	// retry owed: status reflects the failed attempt but a retry is queued
	require.Equal(t, StatusFailed, p.Status)
	delay, ok := p.RetryDelay(StatusFailed)
	require.True(t, ok)
	require.Equal(t, time.Second, delay)

	require.NoError(t, p.Advance(EventRetry, now))
	require.Equal(t, StatusPreparing, p.Status)
	require.Equal(t, 2, p.SubmitNumber)
	require.NoError(t, p.Advance(EventSubmitOK, now))
	require.NoError(t, p.Advance(EventStarted, now))
	require.NoError(t, p.Advance(EventSucceeded, now))
	require.Equal(t, StatusSucceeded, p.Status)
	require.Len(t, p.Jobs, 2)
	require.Equal(t, StatusFailed, p.Jobs[0].Status)
	require.Equal(t, StatusSucceeded, p.Jobs[1].Status)
	require.NoError(t, p.CheckInvariants())
}

func TestExhaustedRetriesTerminatesFailed(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	now := time.Now()
	require.NoError(t, p.Advance(EventReady, now))
	require.NoError(t, p.Advance(EventSubmitOK, now))
	require.NoError(t, p.Advance(EventStarted, now))
	require.NoError(t, p.Advance(EventFailed, now))
	require.Equal(t, StatusFailed, p.Status)
	_, ok := p.RetryDelay(StatusFailed)
	require.False(t, ok)
	require.True(t, p.Outputs[prereq.OutputFailed])
}

func TestExpireFromNonTerminal(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	require.NoError(t, p.Advance(EventExpire, time.Now()))
	require.Equal(t, StatusExpired, p.Status)
	require.True(t, p.Outputs[prereq.OutputExpired])
}

func TestReadyRespectsHeldAndXtriggers(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	ready, err := p.Ready(true)
	require.NoError(t, err)
	require.True(t, ready)

	p.Held = true
	ready, err = p.Ready(true)
	require.NoError(t, err)
	require.False(t, ready)

	p.Held = false
	ready, err = p.Ready(false)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDuePollForcesKillOnceExecutionDeadlinePasses(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	p.ExecutionTimeLimit = 5 * time.Second
	start := time.Now()
	require.NoError(t, p.Advance(EventReady, start))
	require.NoError(t, p.Advance(EventSubmitOK, start))
	p.RecordSubmission("localhost", "job-1")
	p.ArmExecutionDeadline(7 * time.Second)
	require.NoError(t, p.Advance(EventStarted, start))

	// Not due yet: NextPollAt unset means due immediately the first time,
	// so schedule one first to exercise the interval path.
	p.ScheduleNextPoll(start, constantInterval(time.Minute), constantInterval(time.Minute))
	due, forceKill := p.DuePoll(start.Add(time.Second))
	require.False(t, due)
	require.False(t, forceKill)

	// Past submit_time + limit + one interval: forced poll armed.
	due, forceKill = p.DuePoll(start.Add(12 * time.Second))
	require.True(t, due)
	require.True(t, forceKill)
}

func TestScheduleNextPollConsumesSequenceIndex(t *testing.T) {
	p := newTestProxy(t, RetryPolicy{})
	now := time.Now()
	require.NoError(t, p.Advance(EventReady, now))
	require.NoError(t, p.Advance(EventSubmitOK, now))
	p.RecordSubmission("localhost", "job-1")

	var seenAttempts []int
	interval := func(attempt int) time.Duration {
		seenAttempts = append(seenAttempts, attempt)
		return time.Second
	}
	p.ScheduleNextPoll(now, interval, interval)
	p.ScheduleNextPoll(now, interval, interval)
	require.Equal(t, []int{0, 1}, seenAttempts)
}

func constantInterval(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}
