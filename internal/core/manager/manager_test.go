package manager

import (
	"context"
	"errors"
	"testing"

	"wavefetch/internal/core/coverage"
	"wavefetch/internal/core/source"
	perr "wavefetch/internal/platform/errors"
)

func stream(station string) coverage.StreamID {
	return coverage.StreamID{Network: "IU", Station: station, Location: "00", Channel: "BHZ"}
}

// fakeAvail returns its scripted responses in order, one per Fetch call, and
// keeps repeating the last entry once the script is exhausted
type fakeAvail struct {
	responses [][]source.AvailabilityRecord
	calls     int
}

func (f *fakeAvail) Fetch(ctx context.Context, requestPath string) ([]source.AvailabilityRecord, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], nil
}

type fakeIndex struct{}

func (fakeIndex) Timespans(ctx context.Context, s coverage.StreamID) ([]coverage.Timespan, float64, error) {
	return nil, 0, nil
}

// fakePool gives the test full manual control over when a launched child
// "completes", so fairness can be asserted mid-dispatch
type fakePool struct {
	capacity int
	running  int
	pending  []func()
}

func (p *fakePool) HasSpace() bool { return p.running < p.capacity }

func (p *fakePool) Execute(ctx context.Context, cmd string, cb func(string, int)) error {
	if p.running >= p.capacity {
		return errors.New("fakePool: full")
	}
	p.running++
	p.pending = append(p.pending, func() {
		p.running--
		cb(cmd, 0)
	})
	return nil
}

func (p *fakePool) Check() {}

func (p *fakePool) WaitForAll() {
	for len(p.pending) > 0 {
		f := p.pending[0]
		p.pending = p.pending[1:]
		f()
	}
}

func (p *fakePool) completeOldest() bool {
	if len(p.pending) == 0 {
		return false
	}
	f := p.pending[0]
	p.pending = p.pending[1:]
	f()
	return true
}

type fakeStats struct {
	lastRows []StatsRow
}

func (f *fakeStats) ReplaceAll(ctx context.Context, rows []StatsRow) error {
	f.lastRows = rows
	return nil
}

func multiDayRecord(stream coverage.StreamID, days int) source.AvailabilityRecord {
	begin := float64(1705276800) // 2024-01-15T00:00:00Z
	return source.AvailabilityRecord{Stream: stream, Begin: begin, End: begin + float64(days)*86400}
}

func cfgFor(name string) source.Config {
	return source.Config{
		Name:            name,
		RequestPath:     "/tmp/" + name + ".req",
		AvailabilityURL: "http://example.org/availability",
		DataselectURL:   "http://example.org/dataselect",
		Fetch:           false,
		DownloadRetries: 3,
		Increment:       0.05,
		Tolerance:       1.5,
		RoverCmd:        "rover",
		ConfigPath:      "/tmp/rover.conf",
	}
}

func spread(counts map[string]int) int {
	min, max := -1, -1
	for _, c := range counts {
		if min == -1 || c < min {
			min = c
		}
		if max == -1 || c > max {
			max = c
		}
	}
	if min == -1 {
		return 0
	}
	return max - min
}

func TestManager_Add_DuplicateActiveSourceFails(t *testing.T) {
	t.Parallel()

	m := New(&fakePool{capacity: 2}, nil)
	avail := &fakeAvail{responses: [][]source.AvailabilityRecord{{multiDayRecord(stream("ANMO"), 4)}}}

	if err := m.Add(context.Background(), cfgFor("s1"), avail, fakeIndex{}, func(error) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// dispatch so s1 has running workers; the pool never completes them here
	spec := func(string) WorkerSpec {
		return WorkerSpec{RoverCmd: "rover", ConfigPath: "/tmp/rover.conf", DataselectURL: "http://x"}
	}
	if err := m.Step(context.Background(), true, spec); err != nil {
		t.Fatalf("Step: %v", err)
	}
	err := m.Add(context.Background(), cfgFor("s1"), avail, fakeIndex{}, func(error) {})
	if err == nil {
		t.Fatalf("expected duplicate active source error")
	}
	if !perr.IsCode(err, perr.ErrorCodeDuplicateActiveSource) {
		t.Fatalf("expected ErrorCodeDuplicateActiveSource, got %v", perr.CodeOf(err))
	}
}

func TestManager_IsIdle_EmptyInitial(t *testing.T) {
	t.Parallel()

	pool := &fakePool{capacity: 2}
	m := New(pool, nil)
	avail := &fakeAvail{responses: [][]source.AvailabilityRecord{{}, {}}}

	var callbackErr error
	if err := m.Add(context.Background(), cfgFor("s1"), avail, fakeIndex{}, func(err error) { callbackErr = err }); err != nil {
		t.Fatalf("Add: %v", err)
	}

	spec := func(string) WorkerSpec { return WorkerSpec{RoverCmd: "rover", ConfigPath: "/tmp/rover.conf", DataselectURL: "http://x"} }
	n, err := m.Download(context.Background(), spec)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero downloads for empty initial availability, got %d", n)
	}
	if !m.IsIdle() {
		t.Fatalf("expected manager idle after single source completes")
	}
	if callbackErr != nil {
		t.Fatalf("expected nil completion error, got %v", callbackErr)
	}
}

func TestManager_Step_FairnessInvariant(t *testing.T) {
	t.Parallel()

	pool := &fakePool{capacity: 2}
	stats := &fakeStats{}
	m := New(pool, stats)

	for _, name := range []string{"a", "b", "c"} {
		avail := &fakeAvail{responses: [][]source.AvailabilityRecord{{multiDayRecord(stream(name), 6)}}}
		if err := m.Add(context.Background(), cfgFor(name), avail, fakeIndex{}, func(error) {}); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	spec := func(string) WorkerSpec { return WorkerSpec{RoverCmd: "rover", ConfigPath: "/tmp/rover.conf", DataselectURL: "http://x"} }

	for round := 0; round < 6; round++ {
		if err := m.Step(context.Background(), true, spec); err != nil {
			t.Fatalf("Step round %d: %v", round, err)
		}
		if s := spread(m.WorkerCounts()); s > 1 {
			t.Fatalf("round %d: worker count spread = %d want <= 1, counts=%v", round, s, m.WorkerCounts())
		}
		pool.completeOldest()
	}

	if len(stats.lastRows) == 0 {
		t.Fatalf("expected snapshot rows to be recorded")
	}
}

func TestManager_Snapshot_OneRowPerRemainingSource(t *testing.T) {
	t.Parallel()

	pool := &fakePool{capacity: 2}
	stats := &fakeStats{}
	m := New(pool, stats)

	avail1 := &fakeAvail{responses: [][]source.AvailabilityRecord{{multiDayRecord(stream("ANMO"), 2)}}}
	avail2 := &fakeAvail{responses: [][]source.AvailabilityRecord{{multiDayRecord(stream("COLA"), 2)}}}
	if err := m.Add(context.Background(), cfgFor("s1"), avail1, fakeIndex{}, func(error) {}); err != nil {
		t.Fatalf("Add s1: %v", err)
	}
	if err := m.Add(context.Background(), cfgFor("s2"), avail2, fakeIndex{}, func(error) {}); err != nil {
		t.Fatalf("Add s2: %v", err)
	}

	spec := func(string) WorkerSpec { return WorkerSpec{RoverCmd: "rover", ConfigPath: "/tmp/rover.conf", DataselectURL: "http://x"} }
	if err := m.Step(context.Background(), true, spec); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if len(stats.lastRows) != 2 {
		t.Fatalf("expected exactly one row per remaining source, got %d: %+v", len(stats.lastRows), stats.lastRows)
	}
}
