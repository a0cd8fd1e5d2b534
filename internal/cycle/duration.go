package cycle

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// isoDurationRE matches an ISO-8601 duration of the form P[nY][nM][nD][T[nH][nM][nS]],
// with an optional leading sign (spec.md §4.7 polling-interval sequences
// are drawn from exactly this grammar, e.g. "PT1S", "PT6S", "PT5M").
var isoDurationRE = regexp.MustCompile(`^(-)?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO-8601 duration string, hand-rolled in the
// same vein as ParseISOPoint/ParseIntPoint since no library for this
// grammar is carried anywhere in the stack.
func ParseISODuration(s string) (Duration, error) {
	text := strings.TrimSpace(s)
	m := isoDurationRE.FindStringSubmatch(text)
	if m == nil || !strings.ContainsAny(text, "0123456789") {
		return Duration{}, errors.Errorf("invalid ISO-8601 duration %q", s)
	}
	atoi := func(g string) int {
		if g == "" {
			return 0
		}
		n, _ := strconv.Atoi(g)
		return n
	}
	d := Duration{
		Negative: m[1] == "-",
		Years:    atoi(m[2]),
		Months:   atoi(m[3]),
		Days:     atoi(m[4]),
		Hours:    atoi(m[5]),
		Minutes:  atoi(m[6]),
	}
	if m[7] != "" {
		secs, err := strconv.ParseFloat(m[7], 64)
		if err != nil {
			return Duration{}, errors.Wrapf(err, "parse seconds component of duration %q", s)
		}
		d.Seconds = int(secs)
	}
	return d, nil
}

// AsTimeDuration approximates d as a fixed time.Duration, treating years
// as 365 days and months as 30 days. Polling-interval sequences never
// carry a Y/M component in practice, but the conversion stays total so a
// malformed-but-parseable value degrades gracefully instead of panicking.
func (d Duration) AsTimeDuration() time.Duration {
	total := time.Duration(d.Years)*365*24*time.Hour +
		time.Duration(d.Months)*30*24*time.Hour +
		time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
	if d.Negative {
		return -total
	}
	return total
}
