// Package scheduler implements the Scheduler Main Loop (spec.md C10): the
// single cooperative tick that owns all state mutation, applying operator
// commands, draining the event router and xtrigger results, stepping the
// task pool and polling due job deadlines, on a fixed ticker. A tick
// launches no event handlers (the router is drained without a handler
// lookup) and writes no task_pool/task_states snapshot; the router records
// each transition it applies through the store as it goes.
//
// Grounded on the teacher's shard-owning controller loop shape (a single
// goroutine per shard drains queues and mutates state, while I/O runs on
// bounded worker pools it does not itself block on) generalized from
// Cadence's per-shard ownership to Cylc's single-scheduler-per-workflow
// ownership.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cylc/cylc-flow-sub005/internal/broadcast"
	"github.com/cylc/cylc-flow-sub005/internal/config"
	"github.com/cylc/cylc-flow-sub005/internal/errs"
	"github.com/cylc/cylc-flow-sub005/internal/eventrouter"
	"github.com/cylc/cylc-flow-sub005/internal/jobmanager"
	"github.com/cylc/cylc-flow-sub005/internal/store"
	"github.com/cylc/cylc-flow-sub005/internal/taskpool"
	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
	"github.com/cylc/cylc-flow-sub005/internal/xtrigger"
)

// defaultPlatform is used for every submission until a definition-level
// platform selector is wired in (see DESIGN.md's Open Question on
// per-task platform assignment).
const defaultPlatform = "localhost"

// ShutdownMode distinguishes the two operator/signal shutdown requests of
// spec.md §4.10.
type ShutdownMode int

const (
	// ShutdownNow stops accepting new jobs and waits for submitted-but-
	// not-yet-running jobs to terminate (SIGINT/SIGTERM).
	ShutdownNow ShutdownMode = iota
	// ShutdownNowNow does not wait for running jobs (SIGHUP, or operator
	// `stop --now --now`).
	ShutdownNowNow
)

// Command is one operator-issued instruction accepted at the top of a
// tick (spec.md §4.10).
type Command struct {
	Kind string // hold, release, set-verbosity, trigger, insert, remove, reset, stop, reload, broadcast
	Args map[string]string
}

// Metrics are the prometheus instruments exposed on the scheduler's
// /metrics endpoint alongside the contact port (SPEC_FULL.md C10 domain
// stack).
type Metrics struct {
	TickDuration   prometheus.Histogram
	ActiveProxies  prometheus.Gauge
	Stalled        prometheus.Gauge
	JobsSubmitted  prometheus.Counter
	JobsPolled     prometheus.Counter
	JobsKilled     prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cylc_scheduler_tick_duration_seconds",
			Help: "Duration of one scheduler main-loop tick.",
		}),
		ActiveProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cylc_scheduler_active_proxies",
			Help: "Number of task proxies currently in the pool.",
		}),
		Stalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cylc_scheduler_stalled",
			Help: "1 if the pool is currently stalled, 0 otherwise.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cylc_scheduler_jobs_submitted_total",
			Help: "Total job submissions attempted.",
		}),
		JobsPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cylc_scheduler_jobs_polled_total",
			Help: "Total job polls attempted.",
		}),
		JobsKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cylc_scheduler_jobs_killed_total",
			Help: "Total job kills attempted.",
		}),
	}
	reg.MustRegister(m.TickDuration, m.ActiveProxies, m.Stalled, m.JobsSubmitted, m.JobsPolled, m.JobsKilled)
	return m
}

// Engine is the C10 main loop.
type Engine struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	metrics *Metrics

	pool      *taskpool.Pool
	router    *eventrouter.Router
	xengine   *xtrigger.Engine
	jobs      *jobmanager.Manager
	store     *store.Store
	broadcast *broadcast.Store

	UUID string

	mu          sync.Mutex
	commands    []Command
	lastChange  time.Time
	stallSince  time.Time
	lastOutputs map[string]map[string]bool

	submissionPollIntervals jobmanager.PollIntervalSequence
	executionPollIntervals  jobmanager.PollIntervalSequence

	shutdown chan ShutdownMode
}

// abortError is returned by Run when `abort on stall`/`abort on
// inactivity` fires (spec.md §4.10), so cmd/cylc-play exits non-zero.
type abortError struct{ reason string }

func (e *abortError) Error() string { return "workflow aborted: " + e.reason }

// New constructs an Engine wiring every C1-C9 component the main loop
// drives.
func New(cfg config.Config, log *zap.SugaredLogger, metrics *Metrics, pool *taskpool.Pool,
	router *eventrouter.Router, xengine *xtrigger.Engine, jobs *jobmanager.Manager, st *store.Store) (*Engine, error) {
	submissionPollIntervals, err := jobmanager.ParsePollIntervals(cfg.SubmissionPollIntervals)
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfiguration, err, "parsing submission polling intervals")
	}
	executionPollIntervals, err := jobmanager.ParsePollIntervals(cfg.ExecutionPollIntervals)
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfiguration, err, "parsing execution polling intervals")
	}
	e := &Engine{
		cfg: cfg, log: log, metrics: metrics,
		pool: pool, router: router, xengine: xengine, jobs: jobs, store: st,
		broadcast:               broadcast.NewStore(),
		UUID:                    uuid.New(),
		lastChange:              time.Now(),
		lastOutputs:             map[string]map[string]bool{},
		submissionPollIntervals: submissionPollIntervals,
		executionPollIntervals:  executionPollIntervals,
		shutdown:                make(chan ShutdownMode, 1),
	}
	pool.ReadyFn = e.submitReady
	if pool.XtriggersSatisfied == nil {
		// No definition-level xtrigger instance list is wired into the pool
		// yet (see DESIGN.md); until it is, every proxy is treated as
		// xtrigger-clear so the waiting->preparing transition is gated only
		// by prerequisites, per spec.md §4.3's default.
		pool.XtriggersSatisfied = func(taskproxy.Identity) bool { return true }
	}
	return e, nil
}

// submitReady hands a newly-preparing proxy to the job manager, recording
// the runner-assigned job id on success and driving the submit-ok/submit-
// failed transition on reply (spec.md §4.3/§4.7). It is installed as the
// task pool's ReadyFn.
func (e *Engine) submitReady(proxy *taskproxy.Proxy) {
	now := time.Now()
	results := e.jobs.Submit(context.Background(), []jobmanager.JobRef{
		{ProxyID: proxy.Identity.String(), Platform: defaultPlatform},
	})
	if e.metrics != nil {
		e.metrics.JobsSubmitted.Add(float64(len(results)))
	}
	for _, res := range results {
		if !res.OK {
			e.log.Warnw("job submission failed", "task", proxy.Identity, "error", res.Err)
			_ = proxy.Advance(taskproxy.EventSubmitFailed, now)
			return
		}
		proxy.RecordSubmission(defaultPlatform, res.Ref.JobID)
		_ = proxy.Advance(taskproxy.EventSubmitOK, now)
		proxy.ArmExecutionDeadline(e.executionPollIntervals.At(0))
		return
	}
}

// PostCommand enqueues an operator command for the next tick, safe for
// concurrent use by the CLI server goroutine.
func (e *Engine) PostCommand(c Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, c)
}

// RequestShutdown signals the loop to stop, per spec.md §4.10's two
// shutdown modes. Non-blocking; a pending request is not overwritten.
func (e *Engine) RequestShutdown(mode ShutdownMode) {
	select {
	case e.shutdown <- mode:
	default:
	}
}

// ListenForSignals installs SIGINT/SIGTERM/SIGHUP handlers that translate
// to Engine.RequestShutdown per spec.md §4.10.
func (e *Engine) ListenForSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				e.RequestShutdown(ShutdownNow)
			case syscall.SIGHUP:
				e.RequestShutdown(ShutdownNowNow)
			}
		}
	}()
}

// Run drives the tick loop on a fixed ticker until ctx is cancelled or a
// shutdown is requested. Each tick drains, steps and polls (see tick); it
// does not launch event handlers or flush persistence snapshots.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case mode := <-e.shutdown:
			return e.drainShutdown(ctx, mode)
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				var class errs.Class
				if c, ok := errs.TaxonomyOf(err); ok {
					class = c
				} else {
					class = errs.ClassFatal
				}
				e.log.Errorw("tick failed", "error", err, "class", class.String())
				if class == errs.ClassFatal {
					return err
				}
			}
		}
	}
}

func (e *Engine) tickInterval() time.Duration {
	if e.cfg.TickInterval <= 0 {
		return time.Second
	}
	return e.cfg.TickInterval
}

// tick runs exactly one iteration of the main loop.
func (e *Engine) tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	e.applyCommands(ctx)

	e.router.Drain(ctx, e.pool, e.store, start, nil)
	e.xengine.Drain(func(proxyID string, inst xtrigger.Instance, r xtrigger.Result, drainErr error) {
		if drainErr != nil {
			e.log.Warnw("xtrigger evaluation failed", "proxy", proxyID, "error", drainErr)
		}
	})

	outputEvents := e.collectOutputEvents()
	result, err := e.pool.Step(start, nil, outputEvents)
	if err != nil {
		return errs.Wrap(errs.ClassFatal, err, "task pool step failed")
	}
	if e.metrics != nil {
		e.metrics.ActiveProxies.Set(float64(result.ActiveCount))
		if result.Stalled {
			e.metrics.Stalled.Set(1)
		} else {
			e.metrics.Stalled.Set(0)
		}
	}
	if result.Changed {
		e.lastChange = start
	}
	if err := e.checkStallAndInactivity(start, result.Stalled); err != nil {
		return err
	}

	if err := e.pollDueJobs(ctx); err != nil {
		e.log.Warnw("polling due jobs failed", "error", err)
	}

	return nil
}

// applyCommands drains every queued operator command (spec.md §4.10:
// "accepted by the main loop at the top of a tick").
func (e *Engine) applyCommands(ctx context.Context) {
	e.mu.Lock()
	pending := e.commands
	e.commands = nil
	e.mu.Unlock()

	for _, cmd := range pending {
		e.applyCommand(ctx, cmd)
	}
}

func (e *Engine) applyCommand(ctx context.Context, cmd Command) {
	id := taskproxy.Identity{TaskName: cmd.Args["task"], CyclePoint: cmd.Args["point"]}
	switch cmd.Kind {
	case "hold":
		e.pool.Hold(id)
	case "release":
		e.pool.Release(id)
	case "trigger":
		if err := e.pool.Trigger(id, time.Now()); err != nil {
			e.log.Warnw("trigger command failed", "task", id, "error", err)
		}
	case "remove":
		e.pool.Remove(id)
	case "reset":
		status, ok := parseStatus(cmd.Args["status"])
		if !ok || !e.pool.ResetStatus(id, status) {
			e.log.Warnw("reset command failed", "task", id, "status", cmd.Args["status"])
		}
	case "stop":
		e.RequestShutdown(ShutdownNow)
	case "stop-now-now":
		e.RequestShutdown(ShutdownNowNow)
	case "broadcast":
		e.applyBroadcast(cmd.Args)
	case "insert", "reload", "set-verbosity":
		// insert and reload require a definition-file parser beyond the
		// core task-pool surface this module implements, and set-verbosity
		// a runtime-adjustable log level, which the logger lacks; the
		// scheduler accepts and logs them rather than silently dropping.
		e.log.Infow("operator command accepted, not yet actioned", "kind", cmd.Kind, "args", cmd.Args)
	default:
		e.log.Warnw("unhandled operator command", "kind", cmd.Kind)
	}
}

// applyBroadcast turns one `broadcast` operator command into a
// broadcast.Entry and logs the resulting changelog against an empty base,
// per spec.md §4.5 ("every apply ... logs exactly what changed").
func (e *Engine) applyBroadcast(args map[string]string) {
	override := map[string]interface{}{}
	for k, v := range args {
		if !strings.HasPrefix(k, "override.") {
			continue
		}
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 {
			continue
		}
		override[kv[0]] = kv[1]
	}
	if len(override) == 0 {
		e.log.Warnw("broadcast command had no key=value overrides", "args", args)
		return
	}
	entry := &broadcast.Entry{
		CyclePointGlob: orStar(args["cycle"]),
		NamespaceGlob:  orStar(args["namespace"]),
		Override:       override,
	}
	switch args["lifespan"] {
	case "until-task-completed":
		entry.Lifespan = broadcast.LifespanUntilTaskCompleted
	case "until-cycle-completed":
		entry.Lifespan = broadcast.LifespanUntilCycleCompleted
	}
	id := e.broadcast.Add(entry)
	_, changelog, err := e.broadcast.Effective(map[string]interface{}{}, entry.CyclePointGlob, entry.NamespaceGlob)
	if err != nil {
		e.log.Warnw("broadcast changelog failed", "id", id, "error", err)
		return
	}
	e.log.Infow("broadcast applied", "id", id, "cycle", entry.CyclePointGlob, "namespace", entry.NamespaceGlob, "changes", changelog)
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func parseStatus(s string) (taskproxy.Status, bool) {
	switch s {
	case "waiting":
		return taskproxy.StatusWaiting, true
	case "preparing":
		return taskproxy.StatusPreparing, true
	case "submitted":
		return taskproxy.StatusSubmitted, true
	case "running":
		return taskproxy.StatusRunning, true
	case "succeeded":
		return taskproxy.StatusSucceeded, true
	case "failed":
		return taskproxy.StatusFailed, true
	case "submit-failed":
		return taskproxy.StatusSubmitFailed, true
	case "expired":
		return taskproxy.StatusExpired, true
	default:
		return 0, false
	}
}

// collectOutputEvents diffs every active proxy's output set against the
// last tick's, producing the (upstream, point, output) tuples
// Pool.Step's sub-step 3/4 (spec.md §4.4) consumes to re-evaluate
// downstream prerequisites and spawn children.
func (e *Engine) collectOutputEvents() [][3]string {
	var events [][3]string
	seen := map[string]bool{}
	for _, proxy := range e.pool.All() {
		key := proxy.Identity.String()
		seen[key] = true
		prev := e.lastOutputs[key]
		next := make(map[string]bool, len(proxy.Outputs))
		for name, done := range proxy.Outputs {
			next[name] = done
			if done && !prev[name] {
				events = append(events, [3]string{proxy.Identity.TaskName, proxy.Identity.CyclePoint, name})
			}
		}
		e.lastOutputs[key] = next
	}
	for key := range e.lastOutputs {
		if !seen[key] {
			delete(e.lastOutputs, key)
		}
	}
	return events
}

// pollDueJobs polls every non-terminal job whose poll interval has
// elapsed, via the job manager (spec.md §4.10/§4.7). A ref whose deadline
// poll still finds the job running is killed and recorded failed, per
// §4.7's execution-time-limit enforcement.
func (e *Engine) pollDueJobs(ctx context.Context) error {
	refs := e.pool.DuePollRefs(time.Now())
	if len(refs) == 0 {
		return nil
	}
	jobRefs := make([]jobmanager.JobRef, len(refs))
	forceKill := make(map[string]bool, len(refs))
	for i, r := range refs {
		jobRefs[i] = jobmanager.JobRef{ProxyID: r.ProxyID, Platform: r.Platform, JobID: r.JobID}
		if r.ForceKillIfRunning {
			forceKill[r.ProxyID] = true
		}
	}
	results := e.jobs.Poll(ctx, jobRefs)
	if e.metrics != nil {
		e.metrics.JobsPolled.Add(float64(len(jobRefs)))
	}
	now := time.Now()
	for _, res := range results {
		e.pool.ScheduleNextPoll(res.Ref.ProxyID, now, e.submissionPollIntervals.At, e.executionPollIntervals.At)

		switch {
		case res.OK && res.Poll != nil:
			e.pool.ApplyPollResult(res.Ref.ProxyID, res.Poll.Exit, now)
		case res.Err == nil && forceKill[res.Ref.ProxyID]:
			// Job has not terminated by its execution-time-limit deadline
			// poll: force a kill and record it failed (spec.md §4.7).
			e.killOverdueJob(ctx, res.Ref, now)
		}
	}
	return nil
}

// killOverdueJob kills ref and marks its proxy failed, for a job that is
// still running past its execution-time-limit deadline poll.
func (e *Engine) killOverdueJob(ctx context.Context, ref jobmanager.JobRef, now time.Time) {
	results := e.jobs.Kill(ctx, []jobmanager.JobRef{ref})
	if e.metrics != nil {
		e.metrics.JobsKilled.Add(float64(len(results)))
	}
	for _, res := range results {
		if !res.OK {
			e.log.Warnw("kill failed for job past execution time limit", "proxy", ref.ProxyID, "error", res.Err)
		}
	}
	e.log.Warnw(fmt.Sprintf("%s (polled)failed", ref.ProxyID), "proxy", ref.ProxyID, "at", now)
	e.pool.ForceFail(ref.ProxyID, now)
}

// checkStallAndInactivity arms/clears the stall and inactivity timers of
// spec.md §4.10. When the corresponding timeout fires with its abort flag
// configured, it logs the exact shutdown line the operator-facing log
// contract requires and returns a ClassFatal error so Run exits non-zero;
// otherwise the timeout is only logged and the tick continues.
func (e *Engine) checkStallAndInactivity(now time.Time, stalled bool) error {
	if stalled {
		if e.stallSince.IsZero() {
			e.stallSince = now
		}
	} else {
		e.stallSince = time.Time{}
	}
	if !e.stallSince.IsZero() && e.cfg.StallTimeout > 0 && now.Sub(e.stallSince) > e.cfg.StallTimeout {
		if e.cfg.AbortOnStall {
			e.log.Error("Workflow shutting down - AUTOMATIC(ON-STALL)")
			return errs.Wrap(errs.ClassFatal, &abortError{reason: "stall timeout exceeded"}, "abort on stall")
		}
		e.log.Errorw("stall timeout exceeded", "since", e.stallSince)
	}
	if e.cfg.InactivityTimeout > 0 && now.Sub(e.lastChange) > e.cfg.InactivityTimeout {
		if e.cfg.AbortOnInactivity {
			e.log.Error("Workflow shutting down - AUTOMATIC(ON-INACTIVITY)")
			return errs.Wrap(errs.ClassFatal, &abortError{reason: "inactivity timeout exceeded"}, "abort on inactivity")
		}
		e.log.Errorw("inactivity timeout exceeded", "lastChange", e.lastChange)
	}
	return nil
}

// drainShutdown implements spec.md §4.10's two shutdown modes.
func (e *Engine) drainShutdown(ctx context.Context, mode ShutdownMode) error {
	switch mode {
	case ShutdownNowNow:
		orphaned := e.pool.RunningProxyIDs()
		if len(orphaned) > 0 {
			e.log.Warnw("orphaned tasks", "proxies", orphaned)
		}
		return nil
	default:
		deadline := time.Now().Add(e.cfg.ProcessPoolTimeout)
		for time.Now().Before(deadline) {
			if len(e.pool.SubmittedProxyIDs()) == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
		}
		return nil
	}
}
