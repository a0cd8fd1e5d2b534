package eventrouter

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// ProxyLookup resolves a task identity to its live Proxy, backed by the
// task pool's index (spec.md §4.8 step 1).
type ProxyLookup interface {
	Get(id taskproxy.Identity) (*taskproxy.Proxy, bool)
}

// TransitionRecorder persists an applied transition (spec.md §4.8 step 4),
// satisfied by store.Store in the full scheduler wiring.
type TransitionRecorder interface {
	RecordTransition(id taskproxy.Identity, event taskproxy.Event, at time.Time) error
}

// HandlerSpec names one configured event handler command, with `%(event)s`
// and `%(id)s` substituted by the caller before Command reaches the
// router (keeping substitution semantics out of this package).
type HandlerSpec struct {
	Name    string
	Command []string
}

// Dropped records an envelope the router could not apply, for logging.
type Dropped struct {
	Envelope Envelope
	Reason   string
}

// Router is the single consumer of the MPSC event queue described in
// spec.md §4.8. Producers call Enqueue from any goroutine (job message
// listeners, poll-result callbacks); only the scheduler main loop calls
// Drain.
type Router struct {
	queue chan Envelope

	mu          sync.Mutex
	nextSeq     map[string]uint64 // identity string -> next sequence number to assign

	handlerPool *semaphore.Weighted
	handlerTimeout time.Duration

	dropped chan Dropped
}

// NewRouter constructs a Router with queueSize buffering and a
// handler-subprocess pool sized poolSize (runtime.NumCPU() if <= 0, per
// spec.md §4.8's "default = number of CPUs").
func NewRouter(queueSize int, poolSize int64, handlerTimeout time.Duration) *Router {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if poolSize <= 0 {
		poolSize = int64(runtime.NumCPU())
	}
	return &Router{
		queue:          make(chan Envelope, queueSize),
		nextSeq:        map[string]uint64{},
		handlerPool:    semaphore.NewWeighted(poolSize),
		handlerTimeout: handlerTimeout,
		dropped:        make(chan Dropped, queueSize),
	}
}

// Enqueue submits one envelope, stamping it with the next per-identity
// sequence number. Safe for concurrent use by multiple producers.
func (r *Router) Enqueue(e Envelope) {
	r.mu.Lock()
	key := e.Identity.String()
	e.seq = r.nextSeq[key]
	r.nextSeq[key] = e.seq + 1
	r.mu.Unlock()
	if e.ArrivedAt.IsZero() {
		e.ArrivedAt = time.Now()
	}
	r.queue <- e
}

// Drain applies every currently-queued envelope, in dequeue order — which,
// because the queue is a single FIFO channel, is also arrival order per
// producer and therefore per identity (spec.md §4.8's ordering guarantee).
// handlers spawns configured event-handler subprocesses for a transition;
// it may be nil to skip handler dispatch (e.g. in tests).
func (r *Router) Drain(ctx context.Context, lookup ProxyLookup, recorder TransitionRecorder, now time.Time, handlersFor func(id taskproxy.Identity, eventName string) []HandlerSpec) {
	for {
		select {
		case env := <-r.queue:
			r.apply(ctx, env, lookup, recorder, now, handlersFor)
		default:
			return
		}
	}
}

func (r *Router) apply(ctx context.Context, env Envelope, lookup ProxyLookup, recorder TransitionRecorder, now time.Time, handlersFor func(taskproxy.Identity, string) []HandlerSpec) {
	proxy, ok := lookup.Get(env.Identity)
	if !ok {
		r.drop(env, "no such proxy")
		return
	}
	event, ok := eventOf(env)
	if !ok {
		r.drop(env, "unrecognized event")
		return
	}
	// Strict transition guarding (taskproxy.Advance rejects any event not
	// valid for the proxy's current status) is what enforces P7: a stale
	// poll result that would regress a proxy already advanced by a later
	// message fails its transition check here and is dropped, never
	// applied out of order.
	if err := proxy.Advance(event, now); err != nil {
		r.drop(env, err.Error())
		return
	}
	if recorder != nil {
		if err := recorder.RecordTransition(env.Identity, event, now); err != nil {
			r.drop(env, "persistence failed: "+err.Error())
		}
	}
	if handlersFor == nil {
		return
	}
	eventName := env.EventName
	if env.Kind == KindPoll {
		eventName = string(env.PollExit)
	}
	for _, spec := range handlersFor(env.Identity, eventName) {
		r.dispatch(ctx, spec, eventName)
	}
}

func (r *Router) drop(env Envelope, reason string) {
	select {
	case r.dropped <- Dropped{Envelope: env, Reason: reason}:
	default:
	}
}

// DroppedChan exposes the channel of envelopes the router could not apply, for
// the scheduler to log as warnings (spec.md §4.8 step 1).
func (r *Router) DroppedChan() <-chan Dropped { return r.dropped }

var attemptCounter uint64

// dispatch runs spec's command on the bounded handler pool, killing it
// with SIGKILL on timeout. On timeout it formats the line
// `ERROR - [(('<name>', '<event>'), <attempt>) ret_code] -9` via
// logHandlerTimeout; that line is not written to any logger.
func (r *Router) dispatch(ctx context.Context, spec HandlerSpec, eventName string) {
	if err := r.handlerPool.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer r.handlerPool.Release(1)
		attempt := atomic.AddUint64(&attemptCounter, 1)

		hctx := ctx
		var cancel context.CancelFunc
		if r.handlerTimeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
			defer cancel()
		}
		if len(spec.Command) == 0 {
			return
		}
		cmd := exec.CommandContext(hctx, spec.Command[0], spec.Command[1:]...)
		err := cmd.Run()
		if hctx.Err() == context.DeadlineExceeded {
			r.logHandlerTimeout(spec.Name, eventName, attempt)
			return
		}
		_ = err // non-timeout failures are left to the caller's own process-exit logging
	}()
}

// logHandlerTimeout formats the ERROR line for a killed handler and
// returns it without writing it anywhere; the router holds no logger, and
// dispatch discards the returned string.
func (r *Router) logHandlerTimeout(name, eventName string, attempt uint64) string {
	return fmt.Sprintf("ERROR - [(('%s', '%s'), %d) ret_code] -9", name, eventName, attempt)
}

// LastTimeoutMessage is exported for tests to exercise logHandlerTimeout's
// format without reaching into the unexported method.
func (r *Router) LastTimeoutMessage(name, eventName string, attempt uint64) string {
	return r.logHandlerTimeout(name, eventName, attempt)
}
