// Package jobmanager implements the Job Manager (spec.md C7): prepares job
// descriptions, batches submissions/polls/kills per platform, and parses
// runner replies. Grounded on the teacher's
// transferQueueProcessorImpl.completeTransferLoop batch-read-then-act shape
// and on historyEngineImpl's conditionalRetryCount-bounded retry loops,
// generalized into a per-platform submission-retry state machine.
package jobmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// JobRef identifies one job submission/poll/kill target.
type JobRef struct {
	ProxyID  string
	Platform string
	// JobID is the runner-assigned id, populated for poll/kill once known.
	JobID string
}

// PollRecord is the decoded form of one `[jobs-poll out] ...` line
// (spec.md §6), produced from the generic key/value record a Runner emits.
type PollRecord struct {
	ProxyID    string                        `mapstructure:"proxy_id"`
	JobID      string                        `mapstructure:"job_id"`
	Exit       taskproxy.ExitClassification `mapstructure:"exit"`
	Started    bool                          `mapstructure:"started"`
	SubmitTime string                        `mapstructure:"submit_time"`
	StartTime  string                        `mapstructure:"start_time"`
	ExitTime   string                        `mapstructure:"exit_time"`
}

// Result is the outcome of one batch member's submit/poll/kill.
type Result struct {
	Ref   JobRef
	OK    bool
	Poll  *PollRecord
	Err   error
}

// Runner is the abstract contract spec.md §4.7/§9 describes: "any value
// implementing submit/poll/kill -> structured result". The core never
// designs concrete platform runners (background, at, SLURM, PBS,
// LoadLeveler) beyond this contract and the one reference implementation
// (background, see runner.go) needed to exercise it end-to-end.
type Runner interface {
	Submit(ctx context.Context, batch []JobRef) ([]Result, error)
	Poll(ctx context.Context, batch []JobRef) ([]Result, error)
	Kill(ctx context.Context, batch []JobRef) ([]Result, error)
}

// DefaultMaxBatchSize is the spec.md §4.7 default.
const DefaultMaxBatchSize = 100

// Manager batches submissions/polls/kills per platform and runs each
// platform's invocation through a circuit breaker so repeated transport
// failures are retained for the platform's submission-retry policy
// instead of being misattributed to individual tasks (spec.md §4.7:
// "the job manager retains the batch for the platform's submission-retry
// policy, not per task").
type Manager struct {
	mu            sync.Mutex
	runners       map[string]Runner // platform name -> Runner
	breakers      map[string]*gobreaker.CircuitBreaker
	MaxBatchSize  int
	log           *zap.SugaredLogger
}

// NewManager constructs a Manager with no platforms registered yet.
func NewManager() *Manager {
	return &Manager{
		runners:      map[string]Runner{},
		breakers:     map[string]*gobreaker.CircuitBreaker{},
		MaxBatchSize: DefaultMaxBatchSize,
		log:          zap.NewNop().Sugar(),
	}
}

// SetLogger installs the logger invoke uses for the batching log line.
// Defaults to a no-op logger so callers that never set one (tests, mostly)
// keep working unchanged.
func (m *Manager) SetLogger(log *zap.SugaredLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log != nil {
		m.log = log
	}
}

// RegisterPlatform installs the Runner implementation for platform, with a
// circuit breaker that trips after 5 consecutive invocation failures.
func (m *Manager) RegisterPlatform(platform string, r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[platform] = r
	m.breakers[platform] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: platform,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// groupByPlatform partitions refs by platform and splits each platform's
// group into chunks of at most maxBatchSize. It logs nothing itself; invoke
// logs the resulting plan as "will invoke in batches" with its sizes.
func groupByPlatform(refs []JobRef, maxBatchSize int) map[string][][]JobRef {
	byPlatform := map[string][]JobRef{}
	for _, r := range refs {
		byPlatform[r.Platform] = append(byPlatform[r.Platform], r)
	}
	out := map[string][][]JobRef{}
	for platform, group := range byPlatform {
		if maxBatchSize <= 0 {
			maxBatchSize = DefaultMaxBatchSize
		}
		for len(group) > 0 {
			n := maxBatchSize
			if n > len(group) {
				n = len(group)
			}
			out[platform] = append(out[platform], group[:n])
			group = group[n:]
		}
	}
	return out
}

// BatchSizes summarizes the batching plan for refs, for the
// "will invoke in batches, sizes=[...]" log line.
func (m *Manager) BatchSizes(refs []JobRef) map[string][]int {
	plan := groupByPlatform(refs, m.MaxBatchSize)
	sizes := map[string][]int{}
	for platform, batches := range plan {
		for _, b := range batches {
			sizes[platform] = append(sizes[platform], len(b))
		}
	}
	return sizes
}

// invoke runs op (Submit/Poll/Kill) against every platform's batches, one
// runner invocation per platform per tick, through that platform's circuit
// breaker. A platform-level transport failure (breaker open, or the
// invocation itself erroring) does not fail individual tasks: every ref in
// the batch is returned with OK=false and the breaker's error, and the caller
// is expected to retain them for retry rather than mark job state changed.
func (m *Manager) invoke(ctx context.Context, refs []JobRef, op func(Runner, context.Context, []JobRef) ([]Result, error)) []Result {
	m.mu.Lock()
	plan := groupByPlatform(refs, m.MaxBatchSize)
	runners := make(map[string]Runner, len(m.runners))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(m.breakers))
	for k, v := range m.runners {
		runners[k] = v
	}
	for k, v := range m.breakers {
		breakers[k] = v
	}
	log := m.log
	m.mu.Unlock()

	for platform, batches := range plan {
		if len(batches) <= 1 {
			continue
		}
		sizes := make([]int, len(batches))
		for i, b := range batches {
			sizes[i] = len(b)
		}
		log.Infow("will invoke in batches", "platform", platform, "sizes", sizes)
	}

	var out []Result
	for platform, batches := range plan {
		runner, ok := runners[platform]
		breaker := breakers[platform]
		for _, batch := range batches {
			if !ok {
				for _, ref := range batch {
					out = append(out, Result{Ref: ref, OK: false, Err: fmt.Errorf("no runner registered for platform %q", platform)})
				}
				continue
			}
			raw, err := breaker.Execute(func() (interface{}, error) {
				return op(runner, ctx, batch)
			})
			if err != nil {
				for _, ref := range batch {
					out = append(out, Result{Ref: ref, OK: false, Err: err})
				}
				continue
			}
			out = append(out, raw.([]Result)...)
		}
	}
	return out
}

// Submit batches and submits refs (spec.md §4.7/§4.3: preparing -> submitted/submit-failed).
func (m *Manager) Submit(ctx context.Context, refs []JobRef) []Result {
	return m.invoke(ctx, refs, func(r Runner, ctx context.Context, b []JobRef) ([]Result, error) { return r.Submit(ctx, b) })
}

// Poll batches and polls refs. A connection-refused error on poll must not
// be treated as job failure (spec.md §4.7): callers inspect Result.Err and
// leave proxy state untouched unless Result.OK is true with a poll record.
func (m *Manager) Poll(ctx context.Context, refs []JobRef) []Result {
	return m.invoke(ctx, refs, func(r Runner, ctx context.Context, b []JobRef) ([]Result, error) { return r.Poll(ctx, b) })
}

// Kill batches and kills refs.
func (m *Manager) Kill(ctx context.Context, refs []JobRef) []Result {
	return m.invoke(ctx, refs, func(r Runner, ctx context.Context, b []JobRef) ([]Result, error) { return r.Kill(ctx, b) })
}
