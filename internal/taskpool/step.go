package taskpool

import (
	"sort"
	"time"

	"github.com/cylc/cylc-flow-sub005/internal/cycle"
	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// Command is an operator-issued mutation applied at the top of Step, per
// spec.md §4.4 step 1.
type Command struct {
	Kind string // hold|release|insert|remove|reset|trigger|broadcast
	ID   taskproxy.Identity
	Run  func(p *Pool) error
}

// StepResult summarizes one Step invocation for logging/metrics.
type StepResult struct {
	Ready       []*taskproxy.Proxy
	Spawned     []taskproxy.Identity
	Removed     []taskproxy.Identity
	Stalled     bool
	StallFor    time.Duration
	ActiveCount int
	Changed     bool
}

// Step implements the seven numbered sub-steps of spec.md §4.4. now is the
// scheduler's current tick time; pendingCommands are operator commands
// queued since the last tick; outputEvents are (upstream, point, output)
// tuples that completed since the last tick, each triggering prerequisite
// re-evaluation and spawn-on-completion (sub-steps 3 and 4).
func (p *Pool) Step(now time.Time, pendingCommands []Command, outputEvents [][3]string) (StepResult, error) {
	var result StepResult

	// 1. Apply pending operator commands.
	for _, cmd := range pendingCommands {
		if err := cmd.Run(p); err != nil {
			return result, err
		}
	}

	// 3. Re-evaluate prerequisite bits from newly-arrived atoms; hand
	// newly-runnable proxies to the job manager.
	for _, ev := range outputEvents {
		upstream, point, output := ev[0], ev[1], ev[2]
		for _, proxy := range p.active {
			if proxy.Prerequisites != nil {
				proxy.Prerequisites.OnOutputCompleted(upstream, point, output)
			}
		}
		// 4. Spawn children referencing this output.
		if def, ok := p.defs[upstream]; ok {
			for _, rule := range def.Downstream {
				upstreamPoint, err := p.ParsePoint(point)
				if err != nil {
					continue
				}
				downstreamPoint := rule.OffsetFromUpstream(upstreamPoint)
				id := taskproxy.Identity{TaskName: rule.DownstreamName, CyclePoint: downstreamPoint.String()}
				if p.runaheadBlocks(id) {
					continue
				}
				child, created, err := p.Spawn(id, func() *taskproxy.Proxy { return rule.BuildProxy(id) })
				if err != nil {
					return result, err
				}
				if created {
					// The child did not exist when this output was applied
					// above, so mark the atom that spawned it.
					if child.Prerequisites != nil {
						child.Prerequisites.OnOutputCompleted(upstream, point, output)
					}
					result.Spawned = append(result.Spawned, id)
				}
			}
		}
	}

	for _, proxy := range p.orderedActive() {
		if p.runaheadBlocksStatus(proxy) {
			continue
		}
		ready, err := proxy.Ready(p.XtriggersSatisfied(proxy.Identity))
		if err != nil {
			return result, err
		}
		if ready {
			if err := proxy.Advance(taskproxy.EventReady, now); err != nil {
				return result, err
			}
			result.Ready = append(result.Ready, proxy)
			if p.ReadyFn != nil {
				p.ReadyFn(proxy)
			}
		}
	}

	// 5. Remove output-complete proxies whose children are all spawned.
	for id, proxy := range p.active {
		complete, err := proxy.OutputComplete()
		if err != nil {
			return result, err
		}
		if complete || proxy.Status == taskproxy.StatusExpired {
			// "only after explicit release" per spec.md §9 open-question
			// recommendation: a held, output-complete proxy is retained
			// until released.
			if proxy.Held {
				continue
			}
			delete(p.active, id)
			result.Removed = append(result.Removed, id)
		}
	}

	// 7. Stall detection.
	if len(p.active) > 0 && len(result.Ready) == 0 && len(result.Spawned) == 0 && !p.hasOutstandingWork() {
		if p.stallSince.IsZero() {
			p.stallSince = now
		}
		p.stalled = true
		result.Stalled = true
		result.StallFor = now.Sub(p.stallSince)
	} else {
		p.stallSince = time.Time{}
		p.stalled = false
	}

	result.ActiveCount = len(p.active)
	result.Changed = len(result.Ready) > 0 || len(result.Spawned) > 0 || len(result.Removed) > 0

	p.publishSnapshot(now)
	return result, nil
}

// hasOutstandingWork reports whether any proxy has an in-flight job or is
// waiting on an xtrigger, which would explain a step producing no newly
// runnable proxies without that being a true stall.
func (p *Pool) hasOutstandingWork() bool {
	for _, proxy := range p.active {
		switch proxy.Status {
		case taskproxy.StatusPreparing, taskproxy.StatusSubmitted, taskproxy.StatusRunning:
			return true
		}
		if proxy.Status == taskproxy.StatusWaiting && !p.XtriggersSatisfied(proxy.Identity) {
			return true
		}
	}
	return false
}

// Stalled reports the pool's current stall state, set by the last Step.
func (p *Pool) Stalled() bool { return p.stalled }

// orderedActive returns active proxies ordered by (cycle point, name) for
// deterministic logging/batching (spec.md §4.4: "this ordering matters only
// for log determinism and batching"). Topological depth within a cycle is
// not considered: proxies at the same point are ordered by task name.
func (p *Pool) orderedActive() []*taskproxy.Proxy {
	out := make([]*taskproxy.Proxy, 0, len(p.active))
	for _, proxy := range p.active {
		out = append(out, proxy)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Identity.CyclePoint != b.Identity.CyclePoint {
			pa, erra := p.pointOfStr(a.Identity.CyclePoint)
			pb, errb := p.pointOfStr(b.Identity.CyclePoint)
			if erra == nil && errb == nil {
				return pa.Compare(pb) < 0
			}
			return a.Identity.CyclePoint < b.Identity.CyclePoint
		}
		return a.Identity.TaskName < b.Identity.TaskName
	})
	return out
}

func (p *Pool) pointOfStr(s string) (cycle.Point, error) {
	if p.ParsePoint == nil {
		return nil, prereqErrNoParser
	}
	return p.ParsePoint(s)
}

var prereqErrNoParser = &noParserError{}

type noParserError struct{}

func (*noParserError) Error() string { return "taskpool: no ParsePoint configured" }

// OldestActivePoint returns the minimum cycle point among active proxies,
// used to derive the runahead boundary (spec.md §3).
func (p *Pool) OldestActivePoint() (cycle.Point, bool) {
	var oldest cycle.Point
	for _, proxy := range p.active {
		pt, err := p.pointOfStr(proxy.Identity.CyclePoint)
		if err != nil {
			continue
		}
		if oldest == nil || pt.Compare(oldest) < 0 {
			oldest = pt
		}
	}
	return oldest, oldest != nil
}

// runaheadBlocks reports whether spawning id would exceed the runahead
// boundary (spec.md §4.4 step 6 / invariant P3).
func (p *Pool) runaheadBlocks(id taskproxy.Identity) bool {
	if p.runaheadLimit == nil {
		return false
	}
	oldest, ok := p.OldestActivePoint()
	if !ok {
		return false
	}
	boundary := p.runaheadLimit(oldest)
	pt, err := p.pointOfStr(id.CyclePoint)
	if err != nil {
		return false
	}
	return pt.Compare(boundary) > 0
}

// runaheadBlocksStatus enforces P3 defensively on an already-spawned proxy:
// it must not be allowed into preparing-or-later if beyond the boundary.
func (p *Pool) runaheadBlocksStatus(proxy *taskproxy.Proxy) bool {
	if proxy.Status != taskproxy.StatusWaiting {
		return false
	}
	return p.runaheadBlocks(proxy.Identity)
}

func (p *Pool) publishSnapshot(now time.Time) {
	snap := Snapshot{Active: map[string]taskproxy.Status{}, Held: map[string]bool{}, Taken: now}
	for id, proxy := range p.active {
		snap.Active[id.String()] = proxy.Status
		if proxy.Held {
			snap.Held[id.String()] = true
		}
	}
	p.snapshot.Set("current", snap)
}

// LatestSnapshot returns the most recently published Snapshot.
func (p *Pool) LatestSnapshot() (Snapshot, bool) {
	return p.snapshot.Get("current")
}
