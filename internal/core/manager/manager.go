// Package manager implements the Download Manager: a single-threaded,
// round-robin scheduler that coordinates Sources over a bounded worker
// budget, persists progress, and fires completion callbacks
package manager

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"wavefetch/internal/core/source"
	perr "wavefetch/internal/platform/errors"
	"wavefetch/internal/platform/logger"
)

// Pool is the subset of workerpool.Pool the Manager drives
type Pool interface {
	Execute(ctx context.Context, cmd string, cb func(cmd string, exitCode int)) error
	Check()
	HasSpace() bool
	WaitForAll()
}

// StatsRow is one row of the wavefetch_download_stats table, rewritten in
// full on every Step snapshot
type StatsRow struct {
	Name               string
	InitialCoverages   int
	RemainingCoverages int
	InitialSeconds     float64
	RemainingSeconds   float64
	NRetries           int
	DownloadRetries    int
}

// StatsSink persists the full stats snapshot atomically; implementations
// are expected to rewrite the whole table inside one transaction
type StatsSink interface {
	ReplaceAll(ctx context.Context, rows []StatsRow) error
}

// WorkerSpec bundles the per-dispatch rendering inputs the Manager needs to
// launch the next chunk for a Source
type WorkerSpec struct {
	RoverCmd            string
	ConfigPath          string
	DataselectURL       string
	ForceFailurePercent int // 1-100 chance, drawn fresh per chunk, per rover's force_failures
}

// Manager coordinates Sources over a shared worker pool
type Manager struct {
	log   *logger.Logger
	pool  Pool
	stats StatsSink

	sources map[string]*source.Source
	rrIndex int

	nDownloads int
}

// New builds a Manager; pool and stats are required collaborators, created
// once per process
func New(pool Pool, stats StatsSink) *Manager {
	return &Manager{
		log:     logger.Named("manager"),
		pool:    pool,
		stats:   stats,
		sources: make(map[string]*source.Source),
		rrIndex: -1,
	}
}

// Add registers a Source, constructing its first Retrieval. It fails with
// ErrorCodeDuplicateActiveSource if a Source with the same name still has
// outstanding workers
func (m *Manager) Add(ctx context.Context, cfg source.Config, avail source.AvailabilityClient, index source.LocalIndex, completionCallback func(error)) error {
	if existing, ok := m.sources[cfg.Name]; ok && existing.WorkerCount() > 0 {
		return perr.DuplicateActiveSourcef("manager: source %q already active with %d workers", cfg.Name, existing.WorkerCount())
	}

	s, err := source.New(ctx, cfg, avail, index, completionCallback, float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return err
	}
	m.sources[cfg.Name] = s
	return nil
}

// IsIdle is true once no Sources remain
func (m *Manager) IsIdle() bool { return len(m.sources) == 0 }

// NDownloads returns the cumulative number of chunk workers launched
func (m *Manager) NDownloads() int { return m.nDownloads }

// WorkerCounts returns the current running-worker count per remaining
// Source, for diagnostics and for exercising the fairness invariant
func (m *Manager) WorkerCounts() map[string]int {
	out := make(map[string]int, len(m.sources))
	for name, src := range m.sources {
		out[name] = src.WorkerCount()
	}
	return out
}

// Step runs one scheduler iteration: harvest finished workers, clean
// completed Sources, snapshot progress, then dispatch while the pool has
// slack and some Source has ready work
func (m *Manager) Step(ctx context.Context, quiet bool, spec func(name string) WorkerSpec) error {
	m.pool.Check()

	if err := m.clean(ctx, quiet); err != nil {
		return err
	}

	if err := m.snapshot(ctx); err != nil {
		return err
	}

	for m.pool.HasSpace() && m.anyHasDays() {
		name, ok := m.pickFairest()
		if !ok {
			break
		}
		ws := spec(name)
		src := m.sources[name]
		launched, err := src.Current().NewWorker(ctx, m.pool, ws.ConfigPath, ws.RoverCmd, ws.DataselectURL, ws.ForceFailurePercent)
		if err != nil {
			return err
		}
		if launched {
			m.nDownloads++
		}
		if err := m.clean(ctx, quiet); err != nil {
			return err
		}
	}
	return nil
}

// clean removes every Source whose IsComplete() returns true. In quiet
// mode a terminal failure is logged and swallowed; otherwise the first
// failure encountered is returned to the caller after all Sources have
// been evaluated this pass
func (m *Manager) clean(ctx context.Context, quiet bool) error {
	var firstErr error
	for _, name := range m.sortedNames() {
		src := m.sources[name]
		complete, err := src.IsComplete(ctx)
		if !complete {
			continue
		}
		delete(m.sources, name)
		if err != nil {
			if quiet {
				m.log.Warn().Err(err).Str("source", name).Msg("source failed, swallowed in quiet mode")
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// snapshot rewrites the stats table in full, one row per remaining Source
func (m *Manager) snapshot(ctx context.Context) error {
	if m.stats == nil {
		return nil
	}
	rows := make([]StatsRow, 0, len(m.sources))
	for _, name := range m.sortedNames() {
		src := m.sources[name]
		cur := src.Current()
		prog := cur.Progress()
		rows = append(rows, StatsRow{
			Name:               name,
			InitialCoverages:   prog.CoveragesInit,
			RemainingCoverages: prog.CoveragesCur,
			InitialSeconds:     prog.SecondsInit,
			RemainingSeconds:   prog.SecondsCur,
			NRetries:           src.NRetries(),
			DownloadRetries:    src.Config().DownloadRetries,
		})
	}
	return m.stats.ReplaceAll(ctx, rows)
}

func (m *Manager) anyHasDays() bool {
	for _, src := range m.sources {
		if src.HasDays() {
			return true
		}
	}
	return false
}

// pickFairest re-sorts the remaining Source names (the set mutates between
// steps) and walks round-robin from rrIndex+1, choosing the Source with
// fewest running workers among those that still have ready days. This
// bounds the worker-count disparity between any two Sources that still have
// ready days to at most one
func (m *Manager) pickFairest() (string, bool) {
	names := m.sortedNames()
	n := len(names)
	if n == 0 {
		return "", false
	}

	minCount := -1
	for _, name := range names {
		src := m.sources[name]
		if !src.HasDays() {
			continue
		}
		if wc := src.WorkerCount(); minCount == -1 || wc < minCount {
			minCount = wc
		}
	}
	if minCount == -1 {
		return "", false
	}

	start := (m.rrIndex + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		name := names[idx]
		src := m.sources[name]
		if src.HasDays() && src.WorkerCount() == minCount {
			m.rrIndex = idx
			return name, true
		}
	}
	return "", false
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Download is the single-Source convenience used by the retrieve binary:
// it asserts exactly one Source is registered, steps until idle, and
// returns the cumulative download count
func (m *Manager) Download(ctx context.Context, spec func(name string) WorkerSpec) (int, error) {
	if len(m.sources) != 1 {
		return 0, perr.InvalidArgf("manager: Download requires exactly one source, got %d", len(m.sources))
	}
	for !m.IsIdle() {
		if err := m.Step(ctx, false, spec); err != nil {
			return m.nDownloads, err
		}
		if m.IsIdle() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	m.pool.WaitForAll()
	return m.nDownloads, nil
}

// Display pretty-prints undispatched coverage per Source and returns the
// total count of streams with outstanding work, for a CLI to decide whether
// to print a "nothing to do" message
func (m *Manager) Display(w io.Writer) int {
	total := 0
	for _, name := range m.sortedNames() {
		src := m.sources[name]
		cur := src.Current()
		if cur == nil {
			continue
		}
		fmt.Fprintf(w, "source %s:\n", name)
		for _, cov := range cur.GetCoverages() {
			if cov.IsEmpty() {
				continue
			}
			total++
			var seconds float64
			for _, ts := range cov.Timespans() {
				seconds += ts.End - ts.Begin
			}
			fmt.Fprintf(w, "  %s: %d span(s), %.1fs outstanding\n", cov.Stream(), len(cov.Timespans()), seconds)
		}
	}
	return total
}
