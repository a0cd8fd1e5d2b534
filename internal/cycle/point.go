// Package cycle implements Cycle Points and Sequences (spec.md C1): ordered
// values drawn from either an ISO-8601 date-time universe or an integer
// universe, and the strided recurrences ("sequences") that produce them.
package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxYear bounds the date-time universe; formatting a point beyond it fails
// with OverflowError (spec.md §4.1).
const MaxYear = 9999

// OverflowError is returned by Format when a date-time point's year would
// exceed MaxYear.
type OverflowError struct {
	Year int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("cycle point year %d exceeds maximum %d", e.Year, MaxYear)
}

// Point is a totally ordered value on a recurrence.
type Point interface {
	// Compare returns -1, 0, or 1 as p is before, equal to, or after other.
	// Panics if other is not the same concrete universe as p.
	Compare(other Point) int
	// Offset returns p shifted by d.
	Offset(d Duration) Point
	// String renders the point in its canonical textual form.
	String() string
	// Equal reports whether p and other denote the same instant/value.
	Equal(other Point) bool
}

// Duration is a universe-agnostic offset: either a calendar-aware ISO-8601
// duration (date-time universe) or a plain integer delta (integer universe).
// Months/years are applied to the point before any seconds conversion, as
// required by spec.md §3.
type Duration struct {
	Years, Months, Days, Hours, Minutes, Seconds int
	// IntDelta is used only by IntPoint.Offset.
	IntDelta int
	Negative bool
}

// ISOPoint is a date-time cycle point normalized to a fixed time zone (UTC
// by default).
type ISOPoint struct {
	t time.Time
}

// NewISOPoint constructs an ISOPoint, normalizing to loc (UTC if nil).
func NewISOPoint(t time.Time, loc *time.Location) ISOPoint {
	if loc == nil {
		loc = time.UTC
	}
	return ISOPoint{t: t.In(loc)}
}

func (p ISOPoint) Compare(other Point) int {
	o := other.(ISOPoint)
	switch {
	case p.t.Before(o.t):
		return -1
	case p.t.After(o.t):
		return 1
	default:
		return 0
	}
}

func (p ISOPoint) Equal(other Point) bool { return p.Compare(other) == 0 }

func (p ISOPoint) Offset(d Duration) Point {
	sign := 1
	if d.Negative {
		sign = -1
	}
	// Months/years first, against the calendar, per spec.md §3.
	t := p.t.AddDate(sign*d.Years, sign*d.Months, sign*d.Days)
	t = t.Add(time.Duration(sign) * (time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute + time.Duration(d.Seconds)*time.Second))
	return ISOPoint{t: t}
}

func (p ISOPoint) String() string {
	return p.t.Format("20060102T150405Z")
}

// Time exposes the underlying time.Time for callers (e.g. wall_clock
// xtrigger) that need to compare against real time.
func (p ISOPoint) Time() time.Time { return p.t }

// ParseISOPoint parses a canonical ISOPoint string produced by String, or
// an ISO-8601 basic/extended date-time.
func ParseISOPoint(s string) (ISOPoint, error) {
	layouts := []string{"20060102T150405Z", "20060102T1504Z", "2006-01-02T15:04:05Z"}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > MaxYear {
				return ISOPoint{}, &OverflowError{Year: t.Year()}
			}
			return ISOPoint{t: t.UTC()}, nil
		} else {
			lastErr = err
		}
	}
	return ISOPoint{}, errors.Wrapf(lastErr, "parse cycle point %q", s)
}

// Format renders p, returning OverflowError if its year exceeds MaxYear.
func (p ISOPoint) Format() (string, error) {
	if p.t.Year() > MaxYear {
		return "", &OverflowError{Year: p.t.Year()}
	}
	return p.String(), nil
}

// IntPoint is an integer cycle point.
type IntPoint int64

func (p IntPoint) Compare(other Point) int {
	o := other.(IntPoint)
	switch {
	case p < o:
		return -1
	case p > o:
		return 1
	default:
		return 0
	}
}

func (p IntPoint) Equal(other Point) bool { return p.Compare(other) == 0 }

func (p IntPoint) Offset(d Duration) Point {
	if d.Negative {
		return p - IntPoint(d.IntDelta)
	}
	return p + IntPoint(d.IntDelta)
}

func (p IntPoint) String() string { return strconv.FormatInt(int64(p), 10) }

// ParseIntPoint parses a plain (optionally signed) integer cycle point.
func ParseIntPoint(s string) (IntPoint, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse integer cycle point %q", s)
	}
	return IntPoint(n), nil
}
