package jobmanager

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cylc/cylc-flow-sub005/internal/cycle"
)

// PollIntervalSequence is a parsed run-length-encoded polling-interval
// list (spec.md §4.7: "drawn from ISO-8601 duration lists with run-length
// notation 2*PT1S,10*PT6S"). Once the sequence is exhausted, At repeats
// its final entry forever.
type PollIntervalSequence struct {
	intervals []time.Duration
}

// At returns the interval for the given zero-based poll attempt, clamping
// negative attempts to zero and repeating the last configured interval
// once attempt runs past the end of the sequence.
func (s PollIntervalSequence) At(attempt int) time.Duration {
	if len(s.intervals) == 0 {
		return time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.intervals) {
		attempt = len(s.intervals) - 1
	}
	return s.intervals[attempt]
}

// ParsePollIntervals parses spec.md §4.7's run-length notation: a
// comma-separated list of "<count>*<ISO-8601 duration>" or bare
// "<ISO-8601 duration>" terms, e.g. "2*PT1S,10*PT6S" expands to twelve
// entries, the first two PT1S and the rest PT6S.
func ParsePollIntervals(spec string) (PollIntervalSequence, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PollIntervalSequence{}, nil
	}
	var out []time.Duration
	for _, term := range strings.Split(spec, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		count := 1
		durText := term
		if idx := strings.Index(term, "*"); idx >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(term[:idx]))
			if err != nil {
				return PollIntervalSequence{}, errors.Wrapf(err, "parse run-length count in poll interval term %q", term)
			}
			if n <= 0 {
				return PollIntervalSequence{}, errors.Errorf("non-positive run-length count in poll interval term %q", term)
			}
			count = n
			durText = strings.TrimSpace(term[idx+1:])
		}
		d, err := cycle.ParseISODuration(durText)
		if err != nil {
			return PollIntervalSequence{}, errors.Wrapf(err, "parse poll interval term %q", term)
		}
		dur := d.AsTimeDuration()
		for i := 0; i < count; i++ {
			out = append(out, dur)
		}
	}
	return PollIntervalSequence{intervals: out}, nil
}
