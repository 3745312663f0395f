// Package source implements one logical download target: the
// retry-to-consistency state machine that drives a sequence of Retrievals
// until the remote service's advertised coverage and the local store agree
package source

import (
	"context"
	"sort"

	"wavefetch/internal/core/coverage"
	"wavefetch/internal/core/guardrails"
	"wavefetch/internal/core/retrieval"
	perr "wavefetch/internal/platform/errors"
	"wavefetch/internal/platform/logger"
)

// Consistency is the terminal label attached to a Source once its
// verification pass settles
type Consistency int

const (
	// Uncertain is the default: verification has not completed
	Uncertain Consistency = iota
	// Confirmed means the verification pass found nothing new
	Confirmed
	// Inconsistent means the remote service kept reporting new data past
	// the allowed retry budget
	Inconsistent
)

func (c Consistency) String() string {
	switch c {
	case Confirmed:
		return "CONFIRMED"
	case Inconsistent:
		return "INCONSISTENT"
	default:
		return "UNCERTAIN"
	}
}

// AvailabilityRecord is one parsed line of an availability response
type AvailabilityRecord struct {
	Stream coverage.StreamID
	Begin  float64
	End    float64
}

// Diagnosable is implemented by availability-fetch errors that can surface
// the first lines of the request and response for operator diagnosis
type Diagnosable interface {
	Diagnostics() (requestLines, responseLines []string)
}

// AvailabilityClient fetches and parses one availability response for a
// request file, already sorted by (stream, begin)
type AvailabilityClient interface {
	Fetch(ctx context.Context, requestPath string) ([]AvailabilityRecord, error)
}

// LocalIndex reports what is already on disk for one stream: its known
// timespans and sample period (0 if unknown)
type LocalIndex interface {
	Timespans(ctx context.Context, stream coverage.StreamID) (spans []coverage.Timespan, samplePeriod float64, err error)
}

// Config bundles the construction-time parameters for one Source
type Config struct {
	Name            string
	RequestPath     string
	AvailabilityURL string
	DataselectURL   string
	Fetch           bool // true for single-shot retrieve, false for subscribe/daemon sources
	DownloadRetries int
	Increment       float64
	Tolerance       float64
	RoverCmd        string
	ConfigPath      string
	Timeouts        guardrails.Timeouts // zero value means no extra bounding beyond ctx
}

// Source owns a sequence of Retrievals and the Phase A/B state machine
type Source struct {
	cfg   Config
	avail AvailabilityClient
	index LocalIndex
	log   *logger.Logger

	current *retrieval.Retrieval

	nRetries           int
	totalRetrievals    int
	maxTotalRetrievals int
	expectEmpty        bool
	consistency        Consistency
	errorsCumulative   retrieval.Errors

	completionCallback func(error)
	startEpoch         float64
}

// New constructs a Source and issues its first Retrieval
func New(ctx context.Context, cfg Config, avail AvailabilityClient, index LocalIndex, completionCallback func(error), nowEpoch float64) (*Source, error) {
	s := &Source{
		cfg:                cfg,
		avail:              avail,
		index:              index,
		log:                logger.Named("source:" + cfg.Name),
		maxTotalRetrievals: cfg.DownloadRetries + 2,
		completionCallback: completionCallback,
		startEpoch:         nowEpoch,
	}
	if err := s.newRetrieval(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the source's registered name
func (s *Source) Name() string { return s.cfg.Name }

// WorkerCount returns the number of chunks currently dispatched for this
// source's current Retrieval
func (s *Source) WorkerCount() int {
	if s.current == nil {
		return 0
	}
	return s.current.WorkerCount()
}

// HasDays reports whether the current Retrieval has chunks ready to launch
func (s *Source) HasDays() bool {
	return s.current != nil && s.current.HasDays()
}

// Current returns the in-flight Retrieval, for the Manager to pop chunks
// from and launch workers against
func (s *Source) Current() *retrieval.Retrieval { return s.current }

// Config returns the source's construction-time configuration, used by the
// Manager to render worker commands (dataselect URL, rover command, force
// failure injection) without duplicating it
func (s *Source) Config() Config { return s.cfg }

// Consistency returns the terminal consistency label (meaningful only once
// IsComplete has returned true)
func (s *Source) Consistency() Consistency { return s.consistency }

// ErrorsCumulative returns the accumulated error counters across every
// Retrieval this source has issued
func (s *Source) ErrorsCumulative() retrieval.Errors { return s.errorsCumulative }

// NRetries returns the number of Retrievals issued so far
func (s *Source) NRetries() int { return s.nRetries }

// IsComplete evaluates the retry-to-consistency state machine. It returns
// true once a terminal state (success or failure) has been reached; err is
// non-nil only on a terminal failure. The completionCallback fires exactly
// once, on the transition into a terminal state
func (s *Source) IsComplete(ctx context.Context) (bool, error) {
	if s.current == nil || !s.current.IsComplete() {
		return false, nil
	}

	errs := s.current.ErrorCounts()
	s.errorsCumulative.Downloads += errs.Downloads
	s.errorsCumulative.Errors += errs.Errors

	retriesLeft := s.nRetries < s.cfg.DownloadRetries

	if !s.expectEmpty {
		return s.stepPhaseA(ctx, errs, retriesLeft)
	}
	return s.stepPhaseB(ctx, errs, retriesLeft)
}

// stepPhaseA implements spec.md §4.3's Phase A table (initial / errors-or-data pass)
func (s *Source) stepPhaseA(ctx context.Context, errs retrieval.Errors, retriesLeft bool) (bool, error) {
	switch {
	case errs.Errors > 0 && retriesLeft:
		s.log.Debug().Msg("phase A: errors present, retries remain, retrying same phase")
		return s.retry(ctx)
	case errs.Errors > 0 && !retriesLeft:
		s.log.Warn().Msg("phase A: errors present, retry budget exhausted")
		return s.fail(perr.IncompleteRetrievalf("source %s: phase A exhausted retries with errors", s.cfg.Name))
	case errs.Errors == 0 && errs.Downloads > 0 && retriesLeft:
		s.log.Debug().Msg("phase A: clean pass with downloads, entering verification")
		s.expectEmpty = true
		return s.retry(ctx)
	case errs.Errors == 0 && errs.Downloads > 0 && !retriesLeft:
		s.log.Debug().Msg("phase A: clean pass with downloads, gave up verifying")
		return s.complete()
	case errs.Errors == 0 && errs.Downloads == 0 && s.nRetries == 1 && retriesLeft:
		s.log.Debug().Msg("phase A: trivially empty first pass, entering verification")
		s.expectEmpty = true
		return s.retry(ctx)
	case errs.Errors == 0 && errs.Downloads == 0 && s.nRetries == 1 && !retriesLeft:
		s.log.Debug().Msg("phase A: trivially empty, no retries configured")
		return s.complete()
	case errs.Errors == 0 && errs.Downloads == 0 && s.nRetries > 1 && retriesLeft:
		s.log.Debug().Msg("phase A: empty after retry, entering verification")
		s.expectEmpty = true
		return s.retry(ctx)
	default: // errs.Errors == 0 && errs.Downloads == 0 && s.nRetries > 1 && !retriesLeft
		s.log.Warn().Msg("phase A: empty after exhausting retries, marking inconsistent")
		s.consistency = Inconsistent
		return s.fail(perr.IncompleteRetrievalf("source %s: phase A empty result never stabilised", s.cfg.Name))
	}
}

// stepPhaseB implements spec.md §4.3's Phase B table (verification pass)
func (s *Source) stepPhaseB(ctx context.Context, errs retrieval.Errors, retriesLeft bool) (bool, error) {
	switch {
	case errs.Errors > 0 && retriesLeft:
		s.log.Debug().Msg("phase B: errors present, staying in verification")
		s.consistency = Inconsistent
		return s.retry(ctx)
	case errs.Errors > 0 && !retriesLeft:
		s.log.Warn().Msg("phase B: errors present, retry budget exhausted")
		s.consistency = Inconsistent
		return s.fail(perr.IncompleteRetrievalf("source %s: phase B exhausted retries with errors", s.cfg.Name))
	case errs.Errors == 0 && errs.Downloads > 0 && s.nRetries == 2 && retriesLeft:
		s.log.Debug().Msg("phase B: isolated boundary sample on second retrieval, staying in verification")
		return s.retry(ctx)
	case errs.Errors == 0 && errs.Downloads > 0 && s.nRetries == 2 && !retriesLeft:
		s.log.Debug().Msg("phase B: isolated boundary sample, no retries left, completing with caveat")
		return s.complete()
	case errs.Errors == 0 && errs.Downloads > 0 && s.nRetries > 2 && retriesLeft:
		s.log.Warn().Msg("phase B: unexpected new data past the boundary-sample carve-out, marking inconsistent")
		s.consistency = Inconsistent
		return s.retry(ctx)
	case errs.Errors == 0 && errs.Downloads > 0 && s.nRetries > 2 && !retriesLeft:
		s.log.Warn().Msg("phase B: unexpected new data, retry budget exhausted")
		s.consistency = Inconsistent
		return s.fail(perr.IncompleteRetrievalf("source %s: phase B kept finding new data", s.cfg.Name))
	default: // errs.Errors == 0 && errs.Downloads == 0
		s.log.Debug().Msg("phase B: clean empty verification, confirmed")
		s.consistency = Confirmed
		return s.complete()
	}
}

// retry starts a new Retrieval, propagating construction failure (including
// the global retry-budget cap from the Open Question decision) as a
// terminal error
func (s *Source) retry(ctx context.Context) (bool, error) {
	if err := s.newRetrieval(ctx); err != nil {
		s.consistency = Inconsistent
		return s.fail(err)
	}
	return false, nil
}

func (s *Source) complete() (bool, error) {
	s.fireCallback(nil)
	return true, nil
}

func (s *Source) fail(err error) (bool, error) {
	s.errorsCumulative.FinalErrors++
	s.fireCallback(err)
	return true, err
}

func (s *Source) fireCallback(err error) {
	if s.completionCallback != nil {
		cb := s.completionCallback
		s.completionCallback = nil
		cb(err)
	}
}

// newRetrieval builds the next Retrieval: fetch availability, diff against
// the local index per stream, and feed the resulting coverage into a fresh
// retrieval.Retrieval. Implements spec.md §4.3's _new_retrieval
func (s *Source) newRetrieval(ctx context.Context) error {
	s.totalRetrievals++
	if s.totalRetrievals > s.maxTotalRetrievals {
		return perr.InconsistentServicef("source %s: exceeded global retrieval cap (%d)", s.cfg.Name, s.maxTotalRetrievals)
	}
	s.nRetries++

	ctx, cancel := guardrails.WithRetrieval(ctx, s.cfg.Timeouts)
	defer cancel()

	fetchCtx, cancelFetch := guardrails.ForFetch(ctx, s.cfg.Timeouts)
	records, err := s.avail.Fetch(fetchCtx, s.cfg.RequestPath)
	cancelFetch()
	if err != nil {
		s.logDiagnostics(err)
		return perr.Wrapf(err, perr.ErrorCodeIncompleteRetrieval, "source %s: availability fetch failed", s.cfg.Name)
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Stream, records[j].Stream
		switch {
		case a.Network != b.Network:
			return a.Network < b.Network
		case a.Station != b.Station:
			return a.Station < b.Station
		case a.Location != b.Location:
			return a.Location < b.Location
		case a.Channel != b.Channel:
			return a.Channel < b.Channel
		default:
			return records[i].Begin < records[j].Begin
		}
	})

	next := retrieval.New(s.cfg.Increment)

	groups := groupByStream(records)
	for _, g := range groups {
		remote := coverage.New(g.stream, s.cfg.Tolerance, s.cfg.Increment, 0)
		for _, rec := range g.records {
			if err := remote.Add(rec.Begin, rec.End); err != nil {
				return err
			}
		}

		dbCtx, cancelDB := guardrails.ForDB(ctx, s.cfg.Timeouts)
		localSpans, samplePeriod, err := s.index.Timespans(dbCtx, g.stream)
		cancelDB()
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeDB, "source %s: local index scan failed for %s", s.cfg.Name, g.stream)
		}
		local := coverage.New(g.stream, s.cfg.Tolerance, s.cfg.Increment, samplePeriod)
		for _, ts := range localSpans {
			if err := local.Add(ts.Begin, ts.End); err != nil {
				return err
			}
		}

		diff, err := remote.Subtract(local)
		if err != nil {
			return err
		}
		next.AddCoverage(diff)
	}

	s.current = next
	if s.cfg.Fetch && !next.HasDays() {
		s.log.Info().Msg("nothing to download")
	}
	return nil
}

// logDiagnostics echoes the first lines of request/response on a malformed
// or transport-failed availability fetch, per spec.md §4.3 step 5
func (s *Source) logDiagnostics(err error) {
	d, ok := err.(Diagnosable)
	if !ok {
		return
	}
	reqLines, respLines := d.Diagnostics()
	s.log.Warn().
		Strs("request_head", reqLines).
		Strs("response_head", respLines).
		Msg("availability fetch failed, echoing request/response heads for diagnosis")
}

type streamGroup struct {
	stream  coverage.StreamID
	records []AvailabilityRecord
}

// groupByStream splits already-sorted records into per-stream runs
func groupByStream(records []AvailabilityRecord) []streamGroup {
	var groups []streamGroup
	for _, r := range records {
		if n := len(groups); n > 0 && groups[n-1].stream == r.Stream {
			groups[n-1].records = append(groups[n-1].records, r)
			continue
		}
		groups = append(groups, streamGroup{stream: r.Stream, records: []AvailabilityRecord{r}})
	}
	return groups
}
