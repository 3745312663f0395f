// Package retrieval implements one attempt at fulfilling a Source: lazy
// day-boundary chunking of a stream's missing coverage, and the worker
// launch/callback contract used to fetch each chunk
package retrieval

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"wavefetch/internal/core/coverage"
)

// Chunk is a single (stream-id, begin, end) request tuple that never
// crosses a UTC midnight
type Chunk struct {
	Stream coverage.StreamID
	Begin  float64
	End    float64
}

// Errors accumulates per-retrieval counters, folded into the Source's
// cumulative totals once this retrieval completes
type Errors struct {
	Downloads   int // chunks whose child has finished, whatever its exit code
	Errors      int // chunks whose child exited non-zero
	FinalErrors int // errors surfaced after the retry budget is exhausted
}

// Progress snapshots coverage/seconds counts as coverages are added (Init)
// and as each coverage is expanded into days (Cur), used for external
// display. DaysCur counts the day chunks dispatched so far; DaysInit stays
// zero because days are produced lazily
type Progress struct {
	CoveragesCur, CoveragesInit int
	SecondsCur, SecondsInit     float64
	DaysCur, DaysInit           int
}

// Pool is the subset of workerpool.Pool that Retrieval needs to launch a
// chunk. Kept local to avoid a dependency on the workerpool package
type Pool interface {
	Execute(ctx context.Context, cmd string, cb func(cmd string, exitCode int)) error
	HasSpace() bool
}

// Retrieval lazily expands a FIFO of Coverages into day-bounded chunks
type Retrieval struct {
	increment float64

	coverages []*coverage.Coverage
	pending   []coverage.Timespan // work queue for the coverage currently being expanded
	curStream coverage.StreamID

	days []Chunk

	workerCount int
	errs        Errors
	progress    Progress
}

// New builds an empty Retrieval; increment is the timespan-inc used to
// widen zero-length and midnight-adjacent spans
func New(increment float64) *Retrieval {
	return &Retrieval{increment: increment}
}

// AddCoverage enqueues one stream's missing coverage and folds its initial
// totals into progress
func (r *Retrieval) AddCoverage(c *coverage.Coverage) {
	if c == nil {
		return
	}
	r.coverages = append(r.coverages, c)
	r.progress.CoveragesInit++
	r.progress.CoveragesCur++
	for _, ts := range c.Timespans() {
		r.progress.SecondsInit += ts.End - ts.Begin
		r.progress.SecondsCur += ts.End - ts.Begin
	}
}

// GetCoverages returns the coverages not yet fully expanded into days
func (r *Retrieval) GetCoverages() []*coverage.Coverage { return r.coverages }

// Progress returns a snapshot of this retrieval's progress counters
func (r *Retrieval) Progress() Progress { return r.progress }

// WorkerCount returns the number of chunks currently dispatched and awaiting
// completion
func (r *Retrieval) WorkerCount() int { return r.workerCount }

// ErrorCounts returns the accumulated error counters for this retrieval
func (r *Retrieval) ErrorCounts() Errors { return r.errs }

// HasDays enforces the refill invariant: true iff the day queue is
// non-empty, or can be refilled by expanding the next coverage
func (r *Retrieval) HasDays() bool {
	for len(r.days) == 0 {
		if len(r.pending) == 0 && len(r.coverages) == 0 {
			return false
		}
		r.refillOne()
	}
	return true
}

// IsComplete is true once no workers remain outstanding and no more days
// can be produced
func (r *Retrieval) IsComplete() bool {
	return r.workerCount == 0 && !r.HasDays()
}

// refillOne expands exactly one coverage (or continues one already in
// progress) into zero or more day chunks, appended to r.days. This bounds
// memory to one stream's span count at a time rather than materialising
// every stream's full day list up front
func (r *Retrieval) refillOne() {
	if len(r.pending) == 0 {
		c := r.coverages[0]
		r.coverages = r.coverages[1:]
		r.curStream = c.Stream()
		r.pending = append([]coverage.Timespan(nil), c.Timespans()...)
		r.progress.CoveragesCur--
		for _, ts := range c.Timespans() {
			r.progress.SecondsCur -= ts.End - ts.Begin
		}
	}

	for len(r.pending) > 0 {
		span := r.pending[0]
		r.pending = r.pending[1:]

		begin, end := span.Begin, span.End
		right := nextUTCMidnight(begin)
		left := right - 1e-6

		switch {
		case begin == end:
			// zero-length span: widen by increment, never crossing midnight
			if end+r.increment > left {
				r.emit(begin-r.increment, end)
			} else {
				r.emit(begin, end+r.increment)
			}
		case right > end:
			// single-day span
			r.emit(begin, end)
		default:
			// multi-day span: emit today's slice, requeue the rest ahead of
			// whatever else is pending so it is processed next
			r.emit(begin, left)
			rest := coverage.Timespan{Begin: right, End: math.Max(end, right+r.increment)}
			r.pending = append([]coverage.Timespan{rest}, r.pending...)
		}
	}
}

func (r *Retrieval) emit(begin, end float64) {
	r.days = append(r.days, Chunk{Stream: r.curStream, Begin: begin, End: end})
}

// nextUTCMidnight returns the epoch seconds of the UTC midnight immediately
// following the given epoch-second timestamp
func nextUTCMidnight(epochSeconds float64) float64 {
	t := time.Unix(int64(math.Floor(epochSeconds)), 0).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return float64(day.AddDate(0, 0, 1).Unix())
}

// NewWorker pops one day chunk and submits it to pool as a child process
// invocation. It reports (submitted, error); submitted is false when
// HasDays() was false (with a nil error) or when pool.Execute failed (with
// that error).
// forceFailurePercent is rover's testing knob (manager.py's
// force_failures): a 1-100 chance, drawn fresh per chunk, of substituting
// "exit 1" for the real download command
func (r *Retrieval) NewWorker(ctx context.Context, pool Pool, configPath, roverCmd, dataselectURL string, forceFailurePercent int) (bool, error) {
	if !r.HasDays() {
		return false, nil
	}
	chunk := r.days[0]
	r.days = r.days[1:]
	r.progress.DaysCur++

	url := RenderDataselectURL(dataselectURL, chunk)
	cmd := fmt.Sprintf("%s -f %s download %q", roverCmd, configPath, url)
	if forceFailurePercent > 0 && rand.Intn(100)+1 <= forceFailurePercent {
		cmd = "exit 1"
	}

	r.workerCount++
	err := pool.Execute(ctx, cmd, r.onComplete)
	if err != nil {
		r.workerCount--
		return false, err
	}
	return true, nil
}

// onComplete is the Execute callback: decrement workerCount, count the
// download, and count an error on non-zero exit. It always runs on the
// Manager's Step goroutine, so no synchronisation is required here
func (r *Retrieval) onComplete(_ string, exitCode int) {
	r.workerCount--
	r.errs.Downloads++
	if exitCode != 0 {
		r.errs.Errors++
	}
}

// RenderDataselectURL builds the dataselect request URL for one chunk,
// substituting "--" for empty stream fields and formatting times with
// microsecond precision
func RenderDataselectURL(base string, c Chunk) string {
	f := func(v string) string {
		if v == "" {
			return "--"
		}
		return v
	}
	return fmt.Sprintf("%s?net=%s&sta=%s&loc=%s&cha=%s&start=%s&end=%s",
		base,
		f(c.Stream.Network), f(c.Stream.Station), f(c.Stream.Location), f(c.Stream.Channel),
		formatTime(c.Begin), formatTime(c.End),
	)
}

// formatTime renders epoch seconds as YYYY-MM-DDTHH:MM:SS.ffffff UTC
func formatTime(epochSeconds float64) string {
	sec := math.Floor(epochSeconds)
	micros := int64(math.Round((epochSeconds - sec) * 1e6))
	t := time.Unix(int64(sec), micros*1000).UTC()
	return t.Format("2006-01-02T15:04:05.000000")
}
