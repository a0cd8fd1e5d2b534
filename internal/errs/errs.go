// Package errs defines the error taxonomy described in spec.md §7: every
// error the scheduler produces belongs to exactly one class, so the main
// loop and the operator-facing log can decide whether to retry locally,
// surface to an event handler, or abort.
package errs

import "github.com/pkg/errors"

// Class is the taxonomy of §7.
type Class int

const (
	// ClassConfiguration covers invalid recurrences, missing initial cycle
	// points, illegal verbosity levels, broken includes. Reported at
	// validation time; the scheduler refuses to start.
	ClassConfiguration Class = iota
	// ClassTransientPlatform covers connection-refused, auth-refused, and
	// transport timeouts talking to a job platform. Recovered locally by
	// the platform's submission-retry policy; job state is unchanged.
	ClassTransientPlatform
	// ClassJobOutcome covers submit-failed/failed/expired task outcomes.
	// Surfaced via event handlers and counted against per-task retries.
	ClassJobOutcome
	// ClassWorkflow covers stall, inactivity, and task-failure policy.
	// Surfaced to the operator and may convert to ClassFatal.
	ClassWorkflow
	// ClassFatal covers an unwritable database, a missing run directory,
	// or an uncaught main-loop exception. The scheduler logs, removes its
	// contact file, and exits non-zero.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassTransientPlatform:
		return "transient-platform"
	case ClassJobOutcome:
		return "job-outcome"
	case ClassWorkflow:
		return "workflow"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified is any error that knows which taxonomy class it belongs to.
type Classified interface {
	error
	Taxonomy() Class
}

type classifiedErr struct {
	class Class
	err   error
}

func (c *classifiedErr) Error() string   { return c.err.Error() }
func (c *classifiedErr) Cause() error    { return c.err }
func (c *classifiedErr) Unwrap() error   { return c.err }
func (c *classifiedErr) Taxonomy() Class { return c.class }

// Wrap annotates err with msg and tags it with class, preserving the
// original error for errors.Cause/errors.Is chains.
func Wrap(class Class, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &classifiedErr{class: class, err: errors.Wrap(err, msg)}
}

// New creates a new classified error.
func New(class Class, msg string) error {
	return &classifiedErr{class: class, err: errors.New(msg)}
}

// TaxonomyOf returns the class of err if it (or something it wraps)
// implements Classified, and ok=false otherwise.
func TaxonomyOf(err error) (Class, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.Taxonomy(), true
	}
	return 0, false
}

// Sentinel errors in the teacher's own style (compare historyEngine.go's
// ErrTaskRetry / ErrDuplicate / ErrConflict): expected, checked conditions
// that calling code branches on directly rather than inspecting class.
var (
	// ErrStaleState indicates a cached task proxy snapshot may be stale
	// and the caller should reload before retrying its mutation.
	ErrStaleState = errors.New("task proxy snapshot is potentially stale")
	// ErrDuplicateSpawn indicates a spawn request targeted a proxy that
	// already exists; per P6 this is a no-op, not a failure.
	ErrDuplicateSpawn = errors.New("proxy already exists, spawn is a no-op")
	// ErrMaxRetriesExceeded indicates a task's retry-delay sequence is
	// exhausted; the proxy terminates in its current terminal status.
	ErrMaxRetriesExceeded = errors.New("maximum submit/execution retries exceeded")
	// ErrConnectionRefused indicates a poll/submit/kill invocation could
	// not reach a platform; per §4.7 this must not change job state.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrAuthRefused indicates a platform invocation was rejected by the
	// remote transport's authentication layer.
	ErrAuthRefused = errors.New("authentication refused")
)
