package rangeset

import (
	"testing"

	"github.com/sharedcode/sop"
)

func TestInsertIfNotPresent_DisjointOK(t *testing.T) {
	s := New(nil)
	if err := s.InsertIfNotPresent(0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertIfNotPresent(10, 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsFullyBuilt(0, 20) {
		t.Fatalf("expected [0,20) fully built")
	}
	if got := len(s.Intervals()); got != 1 {
		t.Fatalf("expected coalesced to 1 interval, got %d", got)
	}
}

func TestInsertIfNotPresent_OverlapReturnsRangeAlreadyBuilt(t *testing.T) {
	s := New(nil)
	if err := s.InsertIfNotPresent(0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.InsertIfNotPresent(5, 15)
	if err == nil {
		t.Fatalf("expected RangeAlreadyBuilt error")
	}
	if sop.CodeOf(err) != sop.RangeAlreadyBuilt {
		t.Fatalf("expected RangeAlreadyBuilt code, got %v", sop.CodeOf(err))
	}
}

func TestMissingRanges_PartialCoverage(t *testing.T) {
	s := New(nil)
	_ = s.InsertIfNotPresent(10, 20)
	_ = s.InsertIfNotPresent(30, 40)

	gaps := s.MissingRanges(0, 50)
	want := []Interval{{Lo: 0, Hi: 10}, {Lo: 20, Hi: 30}, {Lo: 40, Hi: 50}}
	if len(gaps) != len(want) {
		t.Fatalf("expected %d gaps, got %d: %+v", len(want), len(gaps), gaps)
	}
	for i, g := range gaps {
		if g != want[i] {
			t.Fatalf("gap %d: expected %+v, got %+v", i, want[i], g)
		}
	}
}

func TestFirstMissingRange_NoneWhenFullyBuilt(t *testing.T) {
	s := New(nil)
	_ = s.InsertIfNotPresent(0, 100)
	if _, ok := s.FirstMissingRange(0, 100); ok {
		t.Fatalf("expected no missing range")
	}
	if _, ok := s.FirstMissingRange(0, 200); !ok {
		t.Fatalf("expected a missing range covering [100,200)")
	}
}

func TestInfiniteBounds(t *testing.T) {
	s := New(nil)
	// buildEndpoints for a single-record store: mark [-inf, k0) and [k0, +inf) built.
	if err := s.InsertIfNotPresent(nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertIfNotPresent(5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsFullyBuilt(nil, nil) {
		t.Fatalf("expected full key space built")
	}
	if len(s.Intervals()) != 1 {
		t.Fatalf("expected a single coalesced interval spanning -inf..+inf, got %+v", s.Intervals())
	}
}

func TestIdempotentBuildRange(t *testing.T) {
	s := New(nil)
	if err := s.InsertIfNotPresent(0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// buildRange(lo,hi); buildRange(lo,hi) must not silently re-mark as a fresh interval.
	err := s.InsertIfNotPresent(0, 10)
	if sop.CodeOf(err) != sop.RangeAlreadyBuilt {
		t.Fatalf("expected RangeAlreadyBuilt on repeat insert, got %v", err)
	}
	if len(s.Intervals()) != 1 {
		t.Fatalf("expected still a single interval, got %+v", s.Intervals())
	}
}
