// Package taskpool implements the Task Pool (spec.md C4): the live set of
// task proxies, spawn/removal rules, runahead limiting, and the held set.
// Grounded on the teacher's transferQueueProcessorImpl / queueAckMgr
// (batch-read-then-act loop with low/high ack-level reconciliation) and on
// historyEngineImpl's ordering of mutation steps within one call.
package taskpool

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/cylc/cylc-flow-sub005/internal/cycle"
	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// SpawnRule describes one downstream task's dependency on an upstream
// output, used to decide which proxies to spawn when an output completes
// (spec.md §4.4 step 4).
type SpawnRule struct {
	DownstreamName string
	// OffsetFromUpstream maps the upstream's cycle point to the
	// downstream's cycle point (identity for same-cycle deps).
	OffsetFromUpstream func(upstreamPoint cycle.Point) cycle.Point
	BuildProxy         func(id taskproxy.Identity) *taskproxy.Proxy
}

// Definition is the minimal slice of a task definition the pool needs:
// which sequences it recurs on and which downstream tasks reference its
// outputs.
type Definition struct {
	Name        string
	Sequences   []cycle.Sequence
	Downstream  []SpawnRule
	RunaheadSeq cycle.Sequence // sequence used to compute cycle-point distance for runahead
}

// Snapshot is the immutable, concurrency-safe read view published after
// every Step, consulted by the xtrigger worker pool and external readers
// without taking the main-loop lock (spec.md §5: "reads ... allowed against
// ... a briefly stale snapshot").
type Snapshot struct {
	Active map[string]taskproxy.Status
	Held   map[string]bool
	Taken  time.Time
}

// Pool is the live set of task proxies. All mutation happens via Step,
// called only from the scheduler main loop.
type Pool struct {
	defs map[string]*Definition

	active map[taskproxy.Identity]*taskproxy.Proxy
	held   map[taskproxy.Identity]bool

	runaheadLimit func(oldest cycle.Point) cycle.Point

	snapshot cmap.ConcurrentMap[string, Snapshot]

	stallSince time.Time
	stalled    bool

	holdAfterPoint cycle.Point

	// ParsePoint turns an Identity's CyclePoint string back into a
	// cycle.Point for comparisons (hold-after, runahead).
	ParsePoint func(string) (cycle.Point, error)

	// ReadyFn is invoked for each proxy the pool determines is runnable
	// (preparing transition), handing it to the job manager (C7).
	ReadyFn func(p *taskproxy.Proxy)
	// XtriggersSatisfied reports whether all of a proxy's xtriggers are
	// currently satisfied; owned by the xtrigger engine (C6).
	XtriggersSatisfied func(id taskproxy.Identity) bool
}

// NewPool constructs an empty pool.
func NewPool(runaheadLimit func(oldest cycle.Point) cycle.Point) *Pool {
	p := &Pool{
		defs:               map[string]*Definition{},
		active:             map[taskproxy.Identity]*taskproxy.Proxy{},
		held:               map[taskproxy.Identity]bool{},
		runaheadLimit:      runaheadLimit,
		snapshot:           cmap.New[Snapshot](),
		XtriggersSatisfied: func(taskproxy.Identity) bool { return true },
	}
	return p
}

// AddDefinition registers a task definition with the pool.
func (p *Pool) AddDefinition(d *Definition) { p.defs[d.Name] = d }

// Get returns the live proxy for id, if any.
func (p *Pool) Get(id taskproxy.Identity) (*taskproxy.Proxy, bool) {
	proxy, ok := p.active[id]
	return proxy, ok
}

// Spawn ensures a proxy exists at id, idempotently (P6: spawning an
// existing proxy is a no-op w.r.t. its status and job history). created
// reports whether a new proxy was actually constructed.
func (p *Pool) Spawn(id taskproxy.Identity, build func() *taskproxy.Proxy) (proxy *taskproxy.Proxy, created bool, err error) {
	if existing, ok := p.active[id]; ok {
		return existing, false, nil
	}
	proxy = build()
	if p.held[id] || p.heldByHoldAfter(id) {
		proxy.Held = true
	}
	p.active[id] = proxy
	return proxy, true, nil
}

// HoldAfter marks every proxy whose cycle point > after as held, and
// arranges for newly-spawned such proxies to be held at spawn time
// (spec.md §4.4). Releasing a held proxy later does not retroactively run
// it; it only clears the flag so a subsequent Step may transition it.
func (p *Pool) HoldAfter(after cycle.Point) {
	p.holdAfterPoint = after
	for id, proxy := range p.active {
		pt, ok := p.pointOf(id)
		if ok && pt.Compare(after) > 0 {
			proxy.Held = true
		}
	}
}

// Release clears the held flag on id, if present.
func (p *Pool) Release(id taskproxy.Identity) {
	if proxy, ok := p.active[id]; ok {
		proxy.Held = false
	}
	delete(p.held, id)
}

// Hold sets the held flag on id explicitly (operator command), independent
// of HoldAfter.
func (p *Pool) Hold(id taskproxy.Identity) {
	p.held[id] = true
	if proxy, ok := p.active[id]; ok {
		proxy.Held = true
	}
}

func (p *Pool) pointOf(id taskproxy.Identity) (cycle.Point, bool) {
	if p.ParsePoint == nil {
		return nil, false
	}
	pt, err := p.ParsePoint(id.CyclePoint)
	if err != nil {
		return nil, false
	}
	return pt, true
}

func (p *Pool) heldByHoldAfter(id taskproxy.Identity) bool {
	if p.holdAfterPoint == nil {
		return false
	}
	pt, ok := p.pointOf(id)
	if !ok {
		return false
	}
	return pt.Compare(p.holdAfterPoint) > 0
}
