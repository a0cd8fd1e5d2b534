package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestISOPointRoundTrip(t *testing.T) {
	p, err := ParseISOPoint("20260101T000000Z")
	require.NoError(t, err)
	s, err := p.Format()
	require.NoError(t, err)
	require.Equal(t, "20260101T000000Z", s)

	p2, err := ParseISOPoint(s)
	require.NoError(t, err)
	require.True(t, p.Equal(p2))
}

func TestISOPointOverflow(t *testing.T) {
	p := NewISOPoint(time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	_, err := p.Format()
	require.Error(t, err)
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
}

func TestISOPointOffsetMonthsBeforeSeconds(t *testing.T) {
	p, err := ParseISOPoint("20260131T000000Z")
	require.NoError(t, err)
	next := p.Offset(Duration{Months: 1}).(ISOPoint)
	require.Equal(t, "20260303T000000Z", next.String())
}

func TestIntPointOffset(t *testing.T) {
	p := IntPoint(5)
	next := p.Offset(Duration{IntDelta: 3})
	require.Equal(t, IntPoint(8), next)
	prev := p.Offset(Duration{IntDelta: 3, Negative: true})
	require.Equal(t, IntPoint(2), prev)
}

func TestSequenceNextPrevInt(t *testing.T) {
	seq := Sequence{Start: IntPoint(1), Stride: Duration{IntDelta: 1}}
	n := seq.Next(IntPoint(1))
	require.Equal(t, IntPoint(2), n)
	p := seq.Prev(IntPoint(3))
	require.Equal(t, IntPoint(2), p)
}

func TestSequenceExclusions(t *testing.T) {
	seq := Sequence{Start: IntPoint(1), Stride: Duration{IntDelta: 1}, Exclusions: []Point{IntPoint(2)}}
	n := seq.Next(IntPoint(1))
	require.Equal(t, IntPoint(3), n)
}

func TestSequenceDeprecatedRn(t *testing.T) {
	seq, err := ParseSequence("R3/1/10", func(s string) (Point, error) {
		return ParseIntPoint(s)
	}, func(s string) (Duration, error) {
		return Duration{}, nil
	})
	require.NoError(t, err)
	require.True(t, seq.Deprecated)
	require.NotEmpty(t, seq.DeprecationWarning())
}
