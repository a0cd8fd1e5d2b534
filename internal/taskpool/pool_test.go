package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-sub005/internal/cycle"
	"github.com/cylc/cylc-flow-sub005/internal/prereq"
	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

func parsePoint(s string) (cycle.Point, error) { return cycle.ParseIntPoint(s) }

func buildSimpleProxy(name string, id taskproxy.Identity, upstream string) *taskproxy.Proxy {
	completion, _ := prereq.DefaultCompletion()
	var prereqs *prereq.Expr
	if upstream != "" {
		atom := &prereq.Atom{Upstream: upstream, CyclePoint: id.CyclePoint, RequiredOutput: prereq.OutputSucceeded}
		prereqs, _ = prereq.NewExpr("p0", []*prereq.Atom{atom})
	}
	return taskproxy.NewProxy(id, prereqs, completion, taskproxy.RetryPolicy{})
}

// TestSimpleLinearWorkflow implements scenario 1 of spec.md §8: R1 = a => b
// => c, all tasks succeed, exactly three proxies spawned each with one job
// record, pool empty at the end.
func TestSimpleLinearWorkflow(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint

	pool.AddDefinition(&Definition{Name: "a", Downstream: []SpawnRule{{
		DownstreamName:     "b",
		OffsetFromUpstream: func(p cycle.Point) cycle.Point { return p },
		BuildProxy:         func(id taskproxy.Identity) *taskproxy.Proxy { return buildSimpleProxy("b", id, "a") },
	}}})
	pool.AddDefinition(&Definition{Name: "b", Downstream: []SpawnRule{{
		DownstreamName:     "c",
		OffsetFromUpstream: func(p cycle.Point) cycle.Point { return p },
		BuildProxy:         func(id taskproxy.Identity) *taskproxy.Proxy { return buildSimpleProxy("c", id, "b") },
	}}})
	pool.AddDefinition(&Definition{Name: "c"})

	idA := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxyA, _, err := pool.Spawn(idA, func() *taskproxy.Proxy { return buildSimpleProxy("a", idA, "") })
	require.NoError(t, err)

	now := time.Now()
	res, err := pool.Step(now, nil, nil)
	require.NoError(t, err)
	require.Contains(t, res.Ready, proxyA)

	require.NoError(t, proxyA.Advance(taskproxy.EventSubmitOK, now))
	require.NoError(t, proxyA.Advance(taskproxy.EventStarted, now))
	require.NoError(t, proxyA.Advance(taskproxy.EventSucceeded, now))

	res, err = pool.Step(now, nil, [][3]string{{"a", "1", prereq.OutputSucceeded}})
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)
	require.Equal(t, taskproxy.Identity{TaskName: "b", CyclePoint: "1"}, res.Spawned[0])
	require.Len(t, res.Removed, 1) // a is output-complete

	proxyB, ok := pool.Get(taskproxy.Identity{TaskName: "b", CyclePoint: "1"})
	require.True(t, ok)
	require.Len(t, res.Ready, 1)
	require.NoError(t, proxyB.Advance(taskproxy.EventSubmitOK, now))
	require.NoError(t, proxyB.Advance(taskproxy.EventStarted, now))
	require.NoError(t, proxyB.Advance(taskproxy.EventSucceeded, now))

	res, err = pool.Step(now, nil, [][3]string{{"b", "1", prereq.OutputSucceeded}})
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)
	proxyC, ok := pool.Get(taskproxy.Identity{TaskName: "c", CyclePoint: "1"})
	require.True(t, ok)
	require.NoError(t, proxyC.Advance(taskproxy.EventSubmitOK, now))
	require.NoError(t, proxyC.Advance(taskproxy.EventStarted, now))
	require.NoError(t, proxyC.Advance(taskproxy.EventSucceeded, now))

	res, err = pool.Step(now, nil, [][3]string{{"c", "1", prereq.OutputSucceeded}})
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	require.Empty(t, pool.active)
}

// TestSpawnIdempotence covers invariant P6.
func TestSpawnIdempotence(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	p1, created1, err := pool.Spawn(id, func() *taskproxy.Proxy { return buildSimpleProxy("a", id, "") })
	require.NoError(t, err)
	require.True(t, created1)
	require.NoError(t, p1.Advance(taskproxy.EventReady, time.Now()))

	p2, created2, err := pool.Spawn(id, func() *taskproxy.Proxy { return buildSimpleProxy("a", id, "") })
	require.NoError(t, err)
	require.False(t, created2)
	require.Same(t, p1, p2)
	require.Equal(t, taskproxy.StatusPreparing, p2.Status)
}

// TestRunaheadLimit covers scenario 5 of spec.md §8 and invariant P3:
// while foo.N is running, foo.(N+2) must not reach preparing-or-later when
// the runahead limit is 1.
func TestRunaheadLimit(t *testing.T) {
	limit := func(oldest cycle.Point) cycle.Point { return oldest.Offset(cycle.Duration{IntDelta: 1}) }
	pool := NewPool(limit)
	pool.ParsePoint = parsePoint

	idN := taskproxy.Identity{TaskName: "foo", CyclePoint: "1"}
	_, _, err := pool.Spawn(idN, func() *taskproxy.Proxy { return buildSimpleProxy("foo", idN, "") })
	require.NoError(t, err)

	idN2 := taskproxy.Identity{TaskName: "foo", CyclePoint: "3"}
	require.True(t, pool.runaheadBlocks(idN2))

	idN1 := taskproxy.Identity{TaskName: "foo", CyclePoint: "2"}
	require.False(t, pool.runaheadBlocks(idN1))
}

// TestStallDetection covers scenario 6: a pool with one never-satisfiable
// proxy reports Stalled after a Step.
func TestStallDetection(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	atom := &prereq.Atom{Upstream: "never", CyclePoint: "1", RequiredOutput: prereq.OutputSucceeded}
	expr, err := prereq.NewExpr("p0", []*prereq.Atom{atom})
	require.NoError(t, err)
	completion, _ := prereq.DefaultCompletion()
	id := taskproxy.Identity{TaskName: "foo", CyclePoint: "1"}
	proxy := taskproxy.NewProxy(id, expr, completion, taskproxy.RetryPolicy{})
	pool.active[id] = proxy

	res, err := pool.Step(time.Now(), nil, nil)
	require.NoError(t, err)
	require.True(t, res.Stalled)
	require.True(t, pool.Stalled())
}

// TestHeldOutputCompleteRetainedUntilRelease covers the spec.md §9
// open-question resolution: a held, output-complete proxy is not removed
// until explicitly released.
func TestHeldOutputCompleteRetainedUntilRelease(t *testing.T) {
	pool := NewPool(nil)
	pool.ParsePoint = parsePoint
	id := taskproxy.Identity{TaskName: "a", CyclePoint: "1"}
	proxy := buildSimpleProxy("a", id, "")
	pool.active[id] = proxy
	now := time.Now()
	require.NoError(t, proxy.Advance(taskproxy.EventReady, now))
	require.NoError(t, proxy.Advance(taskproxy.EventSubmitOK, now))
	require.NoError(t, proxy.Advance(taskproxy.EventStarted, now))
	require.NoError(t, proxy.Advance(taskproxy.EventSucceeded, now))
	proxy.Held = true

	res, err := pool.Step(now, nil, nil)
	require.NoError(t, err)
	require.Empty(t, res.Removed)
	_, ok := pool.Get(id)
	require.True(t, ok)

	pool.Release(id)
	res, err = pool.Step(now, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
}
