package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

func spawnRunningJob(t *testing.T, pool *Pool, id taskproxy.Identity) *taskproxy.Proxy {
	t.Helper()
	proxy, _, err := pool.Spawn(id, func() *taskproxy.Proxy { return buildSimpleProxy(id.TaskName, id, "") })
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, proxy.Advance(taskproxy.EventReady, now))
	require.NoError(t, proxy.Advance(taskproxy.EventSubmitOK, now))
	proxy.RecordSubmission("localhost", "job-1")
	require.NoError(t, proxy.Advance(taskproxy.EventStarted, now))
	return proxy
}

func TestDuePollRefsSkipsJobsWithoutPlatform(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxy, _, err := pool.Spawn(id, func() *taskproxy.Proxy { return buildSimpleProxy("a", id, "") })
	require.NoError(t, err)
	require.NoError(t, proxy.Advance(taskproxy.EventReady, time.Now()))

	require.Empty(t, pool.DuePollRefs(time.Now()))
}

func TestDuePollRefsReportsForceKillPastExecutionDeadline(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxy := spawnRunningJob(t, pool, id)
	proxy.ExecutionTimeLimit = time.Second
	proxy.ArmExecutionDeadline(time.Second)

	refs := pool.DuePollRefs(time.Now().Add(10 * time.Second))
	require.Len(t, refs, 1)
	require.Equal(t, id.String(), refs[0].ProxyID)
	require.True(t, refs[0].ForceKillIfRunning)
}

func TestForceFailMarksProxyFailed(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxy := spawnRunningJob(t, pool, id)

	pool.ForceFail(id.String(), time.Now())
	require.Equal(t, taskproxy.StatusFailed, proxy.Status)
}

func TestScheduleNextPollArmsProxyNextPollAt(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	_ = spawnRunningJob(t, pool, id)

	now := time.Now()
	before := pool.DuePollRefs(now)
	require.Len(t, before, 1)

	pool.ScheduleNextPoll(id.String(), now, func(int) time.Duration { return time.Minute }, func(int) time.Duration { return time.Minute })
	require.Empty(t, pool.DuePollRefs(now.Add(time.Second)))
}
