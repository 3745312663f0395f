// Package coverage implements an immutable interval-set over a stream-id's
// timeline, with tolerance-based merge and set-difference
package coverage

import (
	"fmt"
	"strings"

	perr "wavefetch/internal/platform/errors"
)

// StreamID is the network/station/location/channel 4-tuple identifying one
// seismic trace. Empty fields are canonicalised to "--" only on the wire
type StreamID struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

// String renders the underscore-joined wire form, substituting "--" for
// empty fields
func (s StreamID) String() string {
	f := func(v string) string {
		if v == "" {
			return "--"
		}
		return v
	}
	return strings.Join([]string{f(s.Network), f(s.Station), f(s.Location), f(s.Channel)}, "_")
}

// Timespan is a half-open interval [Begin, End) in epoch seconds
// Begin <= End always holds; Begin == End denotes a single sample
type Timespan struct {
	Begin float64
	End   float64
}

// Coverage is an ordered, non-overlapping set of Timespans for one StreamID
type Coverage struct {
	stream  StreamID
	spans   []Timespan
	tol     float64 // timespan-tol: fractional gap tolerance relative to samplePeriod
	inc     float64 // timespan-inc: fractional widening used by Retrieval
	samplePeriod float64
}

// DefaultTol is rover's default timespan-tol
const DefaultTol = 1.5

// New builds an empty Coverage for one stream, with the given tolerances.
// samplePeriod may be zero if unknown at construction time
func New(stream StreamID, tol, inc, samplePeriod float64) *Coverage {
	if tol <= 0 {
		tol = DefaultTol
	}
	return &Coverage{stream: stream, tol: tol, inc: inc, samplePeriod: samplePeriod}
}

// Stream returns the stream-id this coverage belongs to
func (c *Coverage) Stream() StreamID { return c.stream }

// Timespans returns the ordered timespans backing this coverage. Callers
// must not mutate the returned slice
func (c *Coverage) Timespans() []Timespan { return c.spans }

// IsEmpty reports whether this coverage has no timespans
func (c *Coverage) IsEmpty() bool { return len(c.spans) == 0 }

// Tolerances exposes (timespanTol, timespanInc); callers treat an unknown
// increment as 0
func (c *Coverage) Tolerances() (float64, float64) { return c.tol, c.inc }

// mergeGap is the absolute gap, in seconds, below which two adjacent
// timespans are merged into one
func (c *Coverage) mergeGap() float64 {
	if c.samplePeriod <= 0 {
		return 0
	}
	return c.tol * c.samplePeriod
}

// Add appends one timespan; it must arrive in non-decreasing begin order
// relative to what's already present. It merges with the previous timespan
// when the gap between them is within tolerance
func (c *Coverage) Add(begin, end float64) error {
	if begin > end {
		return perr.InvalidCoveragef("coverage %s: timespan begin %v after end %v", c.stream, begin, end)
	}
	if n := len(c.spans); n > 0 {
		prev := c.spans[n-1]
		if begin < prev.Begin {
			return perr.InvalidCoveragef("coverage %s: timespan begin %v precedes previous begin %v", c.stream, begin, prev.Begin)
		}
		if begin-prev.End <= c.mergeGap() {
			if end > prev.End {
				c.spans[n-1].End = end
			}
			return nil
		}
	}
	c.spans = append(c.spans, Timespan{Begin: begin, End: end})
	return nil
}

// Subtract returns the portions of self not covered by other, respecting
// tolerance: a boundary within tolerance of an `other` span edge is
// considered covered and trimmed rather than left as a near-zero remainder
func (c *Coverage) Subtract(other *Coverage) (*Coverage, error) {
	if other != nil && !other.IsEmpty() && other.stream != c.stream {
		return nil, perr.InvalidCoveragef("subtract: stream mismatch %s vs %s", c.stream, other.stream)
	}
	result := New(c.stream, c.tol, c.inc, c.samplePeriod)
	gap := c.mergeGap()

	var otherSpans []Timespan
	if other != nil {
		otherSpans = other.spans
	}

	for _, span := range c.spans {
		remaining := []Timespan{span}
		for _, o := range otherSpans {
			remaining = subtractOne(remaining, o, gap)
		}
		for _, r := range remaining {
			if r.End-r.Begin <= gap && r.End != r.Begin {
				// boundary remainder within tolerance of a cut: drop it as covered
				continue
			}
			if err := result.Add(r.Begin, r.End); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// subtractOne removes one `cut` timespan from every span in `spans`. The cut
// is first narrowed by gap on both sides (or used whole when it is shorter
// than 2*gap), so overlap within gap of the cut's edges is not removed
func subtractOne(spans []Timespan, cut Timespan, gap float64) []Timespan {
	lo, hi := cut.Begin+gap, cut.End-gap
	if hi < lo {
		lo, hi = cut.Begin, cut.End
	}
	out := make([]Timespan, 0, len(spans))
	for _, s := range spans {
		switch {
		case hi <= s.Begin || lo >= s.End:
			// no overlap
			out = append(out, s)
		case lo <= s.Begin && hi >= s.End:
			// cut fully covers s: drop it
		case lo <= s.Begin:
			// cut covers the left side
			out = append(out, Timespan{Begin: hi, End: s.End})
		case hi >= s.End:
			// cut covers the right side
			out = append(out, Timespan{Begin: s.Begin, End: lo})
		default:
			// cut is strictly interior: split into two
			out = append(out, Timespan{Begin: s.Begin, End: lo}, Timespan{Begin: hi, End: s.End})
		}
	}
	return out
}

func (t Timespan) String() string {
	return fmt.Sprintf("[%v, %v)", t.Begin, t.End)
}
