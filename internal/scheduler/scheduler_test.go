package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cylc/cylc-flow-sub005/internal/config"
	"github.com/cylc/cylc-flow-sub005/internal/cycle"
	"github.com/cylc/cylc-flow-sub005/internal/errs"
	"github.com/cylc/cylc-flow-sub005/internal/eventrouter"
	"github.com/cylc/cylc-flow-sub005/internal/jobmanager"
	"github.com/cylc/cylc-flow-sub005/internal/prereq"
	"github.com/cylc/cylc-flow-sub005/internal/store"
	"github.com/cylc/cylc-flow-sub005/internal/taskpool"
	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
	"github.com/cylc/cylc-flow-sub005/internal/xtrigger"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(sqlx.NewDb(db, "postgres"))

	pool := taskpool.NewPool(nil)
	pool.ParsePoint = func(s string) (cycle.Point, error) { return cycle.ParseIntPoint(s) }

	cfg := config.Default()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.StallTimeout = time.Hour
	cfg.InactivityTimeout = time.Hour
	cfg.ProcessPoolTimeout = 50 * time.Millisecond

	router := eventrouter.NewRouter(16, 1, time.Second)
	xengine := xtrigger.NewEngine(1)
	jobs := jobmanager.NewManager()
	reg := prometheus.NewRegistry()

	e, err := New(cfg, zap.NewNop().Sugar(), NewMetrics(reg), pool, router, xengine, jobs, st)
	require.NoError(t, err)
	return e
}

func TestTickRunsCleanlyOnEmptyPool(t *testing.T) {
	e := newTestEngine(t)
	err := e.tick(context.Background())
	require.NoError(t, err)
}

func TestApplyHoldAndReleaseCommands(t *testing.T) {
	e := newTestEngine(t)
	id := taskproxy.Identity{TaskName: "foo", CyclePoint: "1"}
	proxy, _, err := e.pool.Spawn(id, func() *taskproxy.Proxy {
		return taskproxy.NewProxy(id, nil, nil, taskproxy.RetryPolicy{})
	})
	require.NoError(t, err)
	require.False(t, proxy.Held)

	e.PostCommand(Command{Kind: "hold", Args: map[string]string{"task": "foo", "point": "1"}})
	e.applyCommands(context.Background())
	require.True(t, proxy.Held)

	e.PostCommand(Command{Kind: "release", Args: map[string]string{"task": "foo", "point": "1"}})
	e.applyCommands(context.Background())
	require.False(t, proxy.Held)
}

func TestCollectOutputEventsOnlyReportsNewCompletions(t *testing.T) {
	e := newTestEngine(t)
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxy, _, err := e.pool.Spawn(id, func() *taskproxy.Proxy {
		return taskproxy.NewProxy(id, nil, nil, taskproxy.RetryPolicy{})
	})
	require.NoError(t, err)

	require.Empty(t, e.collectOutputEvents())

	proxy.CompleteOutput(prereq.OutputSucceeded)
	events := e.collectOutputEvents()
	require.Len(t, events, 1)
	require.Equal(t, [3]string{"a", "1", prereq.OutputSucceeded}, events[0])

	// Second call with no new completions reports nothing.
	require.Empty(t, e.collectOutputEvents())
}

func TestCheckStallAndInactivityAbortsOnStall(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.StallTimeout = time.Nanosecond
	e.cfg.AbortOnStall = true

	start := time.Now()
	require.NoError(t, e.checkStallAndInactivity(start, true))
	err := e.checkStallAndInactivity(start.Add(time.Millisecond), true)
	require.Error(t, err)
	class, ok := errs.TaxonomyOf(err)
	require.True(t, ok)
	require.Equal(t, errs.ClassFatal, class)
}

func TestCheckStallAndInactivityOnlyLogsWithoutAbortFlag(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.StallTimeout = time.Nanosecond
	e.cfg.AbortOnStall = false

	start := time.Now()
	require.NoError(t, e.checkStallAndInactivity(start, true))
	require.NoError(t, e.checkStallAndInactivity(start.Add(time.Millisecond), true))
}

func TestShutdownNowNowReportsOrphansWithoutWaiting(t *testing.T) {
	e := newTestEngine(t)
	id := taskproxy.Identity{TaskName: "b", CyclePoint: "1"}
	proxy, _, err := e.pool.Spawn(id, func() *taskproxy.Proxy {
		return taskproxy.NewProxy(id, nil, nil, taskproxy.RetryPolicy{})
	})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, proxy.Advance(taskproxy.EventReady, now))
	require.NoError(t, proxy.Advance(taskproxy.EventSubmitOK, now))
	require.NoError(t, proxy.Advance(taskproxy.EventStarted, now))
	require.Equal(t, taskproxy.StatusRunning, proxy.Status)

	err = e.drainShutdown(context.Background(), ShutdownNowNow)
	require.NoError(t, err)
}
