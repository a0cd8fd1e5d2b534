// Package xtrigger implements the Xtrigger Engine (spec.md C6): external,
// clock, and workflow-state triggers that gate a task's readiness, run off
// the main loop on a bounded worker pool, and cache results by their
// substituted-argument signature so restart can skip non-cycle-point-
// dependent calls forever (P4) and cycle-point-dependent ones can reuse a
// cached positive result across proxies.
package xtrigger

import (
	"context"
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/semaphore"
)

// Trigger is the capability any xtrigger implementation must provide
// (spec.md §9: "an xtrigger is any value implementing 'call with bound
// args -> (bool, mapping)'").
type Trigger interface {
	Call(ctx context.Context, args map[string]string) (satisfied bool, results map[string]string, err error)
}

// TriggerFunc adapts a plain function to Trigger.
type TriggerFunc func(ctx context.Context, args map[string]string) (bool, map[string]string, error)

func (f TriggerFunc) Call(ctx context.Context, args map[string]string) (bool, map[string]string, error) {
	return f(ctx, args)
}

// Instance is one (function, bound arguments, target cycle point,
// sequential flag) tuple, per spec.md §3.
type Instance struct {
	FunctionName    string
	BoundArgs       map[string]string
	TargetPoint     string
	SequentialFlag  bool
	HasSubstitution bool // false if BoundArgs contain no cycle-point placeholders
}

// cacheKey is the string form of (function name, arguments) after
// substitution, per spec.md §4.6.
func (i Instance) cacheKey() string {
	keys := make([]string, 0, len(i.BoundArgs))
	for k := range i.BoundArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := i.FunctionName + "("
	for n, k := range keys {
		if n > 0 {
			key += ","
		}
		key += k + "=" + i.BoundArgs[k]
	}
	return key + ")"
}

// Result is a cached xtrigger outcome.
type Result struct {
	Satisfied bool
	Values    map[string]string
	CalledAt  time.Time
}

// Engine evaluates xtriggers off the main loop on a bounded worker pool,
// per spec.md §4.6 and §5 ("a bounded worker pool with a
// multi-producer/single-consumer result queue").
type Engine struct {
	registry map[string]Trigger
	cache    cmap.ConcurrentMap[string, Result]
	sem      *semaphore.Weighted
	results  chan evalOutcome

	// sequentialWatermark tracks, per (function, target-point-independent
	// key), the highest point that has succeeded, so the next point is
	// only spawned after its predecessor succeeds (spec.md §4.6).
	sequentialWatermark map[string]string
}

type evalOutcome struct {
	ProxyID string
	Inst    Instance
	Key     string
	Result  Result
	Err     error
}

// NewEngine constructs an Engine with the given worker concurrency.
func NewEngine(concurrency int64) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		registry:            map[string]Trigger{},
		cache:               cmap.New[Result](),
		sem:                 semaphore.NewWeighted(concurrency),
		results:             make(chan evalOutcome, 256),
		sequentialWatermark: map[string]string{},
	}
}

// Register installs a named Trigger implementation. Dispatch is by
// configuration name, resolved once at start-up, never re-resolved per
// call (spec.md §9).
func (e *Engine) Register(name string, t Trigger) { e.registry[name] = t }

// Satisfied reports whether inst's cached result is a satisfied one,
// without triggering a new call.
func (e *Engine) Satisfied(inst Instance) (bool, map[string]string, bool) {
	r, ok := e.cache.Get(inst.cacheKey())
	if !ok {
		return false, nil, false
	}
	return r.Satisfied, r.Values, true
}

// SequentialReady reports whether, for a sequential xtrigger, point is
// allowed to be evaluated yet: either it's not sequential, or the prior
// point on the sequence already succeeded.
func (e *Engine) SequentialReady(inst Instance, priorPoint string) bool {
	if !inst.SequentialFlag {
		return true
	}
	if priorPoint == "" {
		return true
	}
	watermark, ok := e.sequentialWatermark[inst.FunctionName]
	return ok && watermark == priorPoint
}

// Submit schedules an evaluation of inst for proxyID on the worker pool, if
// not already cached, and if it's cycle-point-dependent or has never been
// called (P4: a non-cycle-point-dependent xtrigger is called at most once
// per run, including across restarts — callers must pre-seed the cache
// from persistence for that case, see store.LoadXtriggers).
func (e *Engine) Submit(ctx context.Context, proxyID string, inst Instance) {
	key := inst.cacheKey()
	if _, cached := e.cache.Get(key); cached {
		return
	}
	trigger, ok := e.registry[inst.FunctionName]
	if !ok {
		e.results <- evalOutcome{ProxyID: proxyID, Inst: inst, Key: key, Err: fmt.Errorf("unknown xtrigger function %q", inst.FunctionName)}
		return
	}
	go func() {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.results <- evalOutcome{ProxyID: proxyID, Inst: inst, Key: key, Err: err}
			return
		}
		defer e.sem.Release(1)
		satisfied, values, err := trigger.Call(ctx, inst.BoundArgs)
		e.results <- evalOutcome{ProxyID: proxyID, Inst: inst, Key: key, Result: Result{Satisfied: satisfied, Values: values, CalledAt: time.Now()}, Err: err}
	}()
}

// Drain applies every completed evaluation since the last Drain, calling
// apply for each — the main loop is the sole consumer, per spec.md §5.
func (e *Engine) Drain(apply func(proxyID string, inst Instance, result Result, err error)) {
	for {
		select {
		case out := <-e.results:
			if out.Err == nil {
				e.cache.Set(out.Key, out.Result)
				if out.Inst.SequentialFlag && out.Result.Satisfied {
					e.sequentialWatermark[out.Inst.FunctionName] = out.Inst.TargetPoint
				}
			}
			apply(out.ProxyID, out.Inst, out.Result, out.Err)
		default:
			return
		}
	}
}

// SeedCache restores a previously-persisted result, used on restart so a
// non-cycle-point-dependent xtrigger is never called again (P4) and a
// cycle-point-dependent one's cached satisfaction survives restart
// (spec.md §4.6).
func (e *Engine) SeedCache(key string, r Result) { e.cache.Set(key, r) }

// CacheKey exposes Instance.cacheKey for persistence call sites.
func CacheKey(i Instance) string { return i.cacheKey() }
