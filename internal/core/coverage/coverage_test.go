package coverage

import (
	"sort"
	"testing"

	perr "wavefetch/internal/platform/errors"
)

func testStream() StreamID {
	return StreamID{Network: "IU", Station: "ANMO", Location: "00", Channel: "BHZ"}
}

func TestStreamID_String(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		id   StreamID
		want string
	}{
		{"full", StreamID{"IU", "ANMO", "00", "BHZ"}, "IU_ANMO_00_BHZ"},
		{"empty location", StreamID{"IU", "ANMO", "", "BHZ"}, "IU_ANMO_--_BHZ"},
		{"all empty", StreamID{}, "--_--_--_--"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.id.String(); got != c.want {
				t.Fatalf("String() = %q want %q", got, c.want)
			}
		})
	}
}

func TestCoverage_Add_OrderedMerge(t *testing.T) {
	t.Parallel()

	c := New(testStream(), 1.5, 0.05, 1.0)
	if err := c.Add(0, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// gap of 1s, merge tolerance is 1.5*1.0 = 1.5s, so this merges
	if err := c.Add(11, 20); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(c.Timespans()) != 1 {
		t.Fatalf("expected merge into one span, got %d: %v", len(c.Timespans()), c.Timespans())
	}
	if c.Timespans()[0] != (Timespan{0, 20}) {
		t.Fatalf("merged span = %v", c.Timespans()[0])
	}
}

func TestCoverage_Add_NoMergeBeyondTolerance(t *testing.T) {
	t.Parallel()

	c := New(testStream(), 1.5, 0.05, 1.0)
	if err := c.Add(0, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(20, 30); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(c.Timespans()) != 2 {
		t.Fatalf("expected two distinct spans, got %d: %v", len(c.Timespans()), c.Timespans())
	}
}

func TestCoverage_Add_OutOfOrderFails(t *testing.T) {
	t.Parallel()

	c := New(testStream(), 1.5, 0, 0)
	if err := c.Add(10, 20); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := c.Add(5, 8)
	if err == nil {
		t.Fatalf("expected error for out-of-order add")
	}
	if !perr.IsCode(err, perr.ErrorCodeInvalidCoverage) {
		t.Fatalf("expected ErrorCodeInvalidCoverage, got %v", perr.CodeOf(err))
	}
}

func TestCoverage_Add_BeginAfterEndFails(t *testing.T) {
	t.Parallel()

	c := New(testStream(), 1.5, 0, 0)
	if err := c.Add(10, 5); err == nil {
		t.Fatalf("expected error for begin > end")
	}
}

func TestCoverage_Subtract_FullyCovered(t *testing.T) {
	t.Parallel()

	remote := New(testStream(), 1.5, 0, 0)
	_ = remote.Add(0, 100)

	local := New(testStream(), 1.5, 0, 0)
	_ = local.Add(0, 100)

	diff, err := remote.Subtract(local)
	if err != nil {
		t.Fatalf("Subtract: %v", err)
	}
	if !diff.IsEmpty() {
		t.Fatalf("expected empty diff, got %v", diff.Timespans())
	}
}

func TestCoverage_Subtract_Empty(t *testing.T) {
	t.Parallel()

	remote := New(testStream(), 1.5, 0, 0)
	_ = remote.Add(0, 100)

	diff, err := remote.Subtract(New(testStream(), 1.5, 0, 0))
	if err != nil {
		t.Fatalf("Subtract: %v", err)
	}
	if len(diff.Timespans()) != 1 || diff.Timespans()[0] != (Timespan{0, 100}) {
		t.Fatalf("expected unchanged span, got %v", diff.Timespans())
	}
}

func TestCoverage_Subtract_PartialMiddle(t *testing.T) {
	t.Parallel()

	remote := New(testStream(), 1.5, 0, 0)
	_ = remote.Add(0, 100)

	local := New(testStream(), 1.5, 0, 0)
	_ = local.Add(40, 60)

	diff, err := remote.Subtract(local)
	if err != nil {
		t.Fatalf("Subtract: %v", err)
	}
	want := []Timespan{{0, 40}, {60, 100}}
	if len(diff.Timespans()) != len(want) {
		t.Fatalf("diff = %v want %v", diff.Timespans(), want)
	}
	for i, ts := range diff.Timespans() {
		if ts != want[i] {
			t.Fatalf("diff[%d] = %v want %v", i, ts, want[i])
		}
	}
}

func TestCoverage_Subtract_StreamMismatch(t *testing.T) {
	t.Parallel()

	remote := New(testStream(), 1.5, 0, 0)
	_ = remote.Add(0, 100)

	other := New(StreamID{Network: "GE"}, 1.5, 0, 0)
	_ = other.Add(0, 10)

	if _, err := remote.Subtract(other); err == nil {
		t.Fatalf("expected stream mismatch error")
	}
}

// TestCoverage_SubtractInvariant checks the core property-based invariant from
// the design: for any Coverage C and any subset D of C, C.subtract(D) union D
// reconstructs C (up to tolerance)
func TestCoverage_SubtractInvariant(t *testing.T) {
	t.Parallel()

	c := New(testStream(), 1.5, 0, 0)
	_ = c.Add(0, 10)
	_ = c.Add(20, 30)
	_ = c.Add(40, 50)

	d := New(testStream(), 1.5, 0, 0)
	_ = d.Add(20, 30) // D is a strict subset of C's timespans

	diff, err := c.Subtract(d)
	if err != nil {
		t.Fatalf("Subtract: %v", err)
	}

	// Add requires non-decreasing begins, so merge both parts in order
	parts := append(append([]Timespan(nil), diff.Timespans()...), d.Timespans()...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Begin < parts[j].Begin })
	union := New(testStream(), 1.5, 0, 0)
	for _, ts := range parts {
		if err := union.Add(ts.Begin, ts.End); err != nil {
			t.Fatalf("union.Add(%v): %v", ts, err)
		}
	}

	if len(union.Timespans()) != len(c.Timespans()) {
		t.Fatalf("union = %v want %v", union.Timespans(), c.Timespans())
	}
	for i, ts := range union.Timespans() {
		if ts != c.Timespans()[i] {
			t.Fatalf("union[%d] = %v want %v", i, ts, c.Timespans()[i])
		}
	}
}
