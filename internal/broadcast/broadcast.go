// Package broadcast implements the Broadcast Store (spec.md C5): operator-
// issued runtime overrides applied at job construction, deep-merged by
// specificity and diffed with r3labs/diff so every apply logs exactly what
// changed.
package broadcast

import (
	"sort"
	"sync"

	"github.com/r3labs/diff/v3"
)

// Lifespan controls when a broadcast entry is automatically retired.
type Lifespan int

const (
	LifespanPermanent Lifespan = iota
	LifespanUntilTaskCompleted
	LifespanUntilCycleCompleted
)

// Entry is one operator-issued override, keyed by (cycle point pattern,
// namespace pattern) per spec.md §3.
type Entry struct {
	ID               int64
	CyclePointGlob   string // "*" matches any; exact string otherwise
	NamespaceGlob    string // "*" matches any; exact string otherwise
	Override         map[string]interface{}
	Lifespan         Lifespan
	specificityScore int
}

func (e *Entry) matches(cyclePoint, namespace string) bool {
	cycleOK := e.CyclePointGlob == "*" || e.CyclePointGlob == cyclePoint
	nsOK := e.NamespaceGlob == "*" || e.NamespaceGlob == namespace
	return cycleOK && nsOK
}

func (e *Entry) specificity() int {
	score := 0
	if e.CyclePointGlob != "*" {
		score++
	}
	if e.NamespaceGlob != "*" {
		score += 2
	}
	return score
}

// Store holds all active broadcast entries. Mutation is main-loop only;
// Store itself adds no extra locking beyond guarding concurrent reads from
// the snapshot/GraphQL-style external readers mentioned in spec.md §5.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewStore constructs an empty broadcast store.
func NewStore() *Store { return &Store{} }

// Add inserts a new broadcast entry and returns its assigned ID.
func (s *Store) Add(e *Entry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.specificityScore = e.specificity()
	s.entries = append(s.entries, e)
	return e.ID
}

// Clear removes broadcast entries matching id (0 means "all").
func (s *Store) Clear(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 {
		s.entries = nil
		return
	}
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	s.entries = out
}

// ExpireForTask removes entries whose lifespan is until-task-completed and
// that matched namespace at cyclePoint; called when a proxy terminates.
func (s *Store) ExpireForTask(cyclePoint, namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.Lifespan == LifespanUntilTaskCompleted && e.matches(cyclePoint, namespace) {
			continue
		}
		out = append(out, e)
	}
	s.entries = out
}

// ExpireForCycle removes entries whose lifespan is until-cycle-completed and
// that matched cyclePoint; called when every proxy at that point terminates.
func (s *Store) ExpireForCycle(cyclePoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.Lifespan == LifespanUntilCycleCompleted && (e.CyclePointGlob == "*" || e.CyclePointGlob == cyclePoint) {
			continue
		}
		out = append(out, e)
	}
	s.entries = out
}

// Effective computes the deep-merged runtime for a proxy at (cyclePoint,
// namespace) over base, in order of increasing specificity: base ->
// workflow-wide broadcasts -> cycle-specific -> task-specific. It returns
// the merged runtime and a diff.Changelog describing exactly what the
// broadcasts changed relative to base, for the operator-facing log line
// (spec.md §4.5).
func (s *Store) Effective(base map[string]interface{}, cyclePoint, namespace string) (map[string]interface{}, diff.Changelog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matching := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.matches(cyclePoint, namespace) {
			matching = append(matching, e)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].specificityScore < matching[j].specificityScore
	})

	merged := deepCopy(base)
	for _, e := range matching {
		merged = deepMerge(merged, e.Override)
	}

	changelog, err := diff.Diff(base, merged)
	if err != nil {
		return nil, nil, err
	}
	return merged, changelog, nil
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		if nestedSrc, ok := v.(map[string]interface{}); ok {
			if nestedDst, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = deepMerge(deepCopy(nestedDst), nestedSrc)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
