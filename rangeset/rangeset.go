// Package rangeset implements the Range Set: the persistent record of which subranges of
// the primary-key (or source-index-key) space have already been indexed. It is the
// checkpoint the rest of the builder relies on — spec.md §9 calls out that partial progress
// is never rolled back across chunk boundaries, only recorded here once a chunk commits.
package rangeset

import (
	"context"
	"sort"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/rangekey"
	"github.com/sharedcode/sop/store"
)

// Interval is a half-open range [Lo, Hi) of primary keys. A nil Lo means -infinity; a nil
// Hi means +infinity.
type Interval struct {
	Lo any
	Hi any
}

// edge is a single boundary position on the key line, with explicit infinity tracking so a
// nil Lo (-infinity) and a nil Hi (+infinity) never get compared as if they were the same
// "missing value" — the bug that a bare nil check invites.
type edge struct {
	val      any
	infinite int // -1 = -infinity, 0 = finite (val holds the value), 1 = +infinity
}

func loEdge(v any) edge {
	if v == nil {
		return edge{infinite: -1}
	}
	return edge{val: v}
}

func hiEdge(v any) edge {
	if v == nil {
		return edge{infinite: 1}
	}
	return edge{val: v}
}

func (e edge) toAny() any {
	if e.infinite != 0 {
		return nil
	}
	return e.val
}

// Set is the in-memory working copy of a Range Set: a sorted, disjoint, coalesced list of
// built intervals. Load it from the store at the start of a build session and Persist
// incremental changes as each chunk commits.
type Set struct {
	cmp       func(x, y any) int
	intervals []Interval
}

// New returns an empty Range Set ordered by cmp. Pass nil to use rangekey.Compare.
func New(cmp func(x, y any) int) *Set {
	if cmp == nil {
		cmp = rangekey.Compare
	}
	return &Set{cmp: cmp}
}

// Hydrate loads a Range Set from its persisted boundaries for index within tx.
func Hydrate(ctx context.Context, tx store.Transaction, index string, cmp func(x, y any) int) (*Set, error) {
	boundaries, err := tx.ScanRangeBoundaries(ctx, index)
	if err != nil {
		return nil, err
	}
	s := New(cmp)
	for _, b := range boundaries {
		s.intervals = append(s.intervals, Interval{Lo: b.Lo, Hi: b.Hi})
	}
	s.sortAndCoalesce()
	return s, nil
}

// cmpEdge orders two edges, treating -infinity < any finite value < +infinity.
func (s *Set) cmpEdge(a, b edge) int {
	if a.infinite != 0 || b.infinite != 0 {
		if a.infinite == b.infinite {
			return 0
		}
		if a.infinite < b.infinite {
			return -1
		}
		return 1
	}
	return s.cmp(a.val, b.val)
}

func (s *Set) lessEdge(a, b edge) bool {
	return s.cmpEdge(a, b) < 0
}

func (s *Set) sortAndCoalesce() {
	sort.Slice(s.intervals, func(i, j int) bool {
		return s.lessEdge(loEdge(s.intervals[i].Lo), loEdge(s.intervals[j].Lo))
	})
	merged := s.intervals[:0]
	for _, iv := range s.intervals {
		if n := len(merged); n > 0 && !s.lessEdge(hiEdge(merged[n-1].Hi), loEdge(iv.Lo)) {
			if s.lessEdge(hiEdge(merged[n-1].Hi), hiEdge(iv.Hi)) {
				merged[n-1].Hi = iv.Hi
			}
			continue
		}
		merged = append(merged, iv)
	}
	s.intervals = merged
}

// overlaps reports whether [lo,hi) intersects any interval already in the set.
func (s *Set) overlaps(lo, hi any) bool {
	loE, hiE := loEdge(lo), hiEdge(hi)
	for _, iv := range s.intervals {
		if s.lessEdge(loE, hiEdge(iv.Hi)) && s.lessEdge(loEdge(iv.Lo), hiE) {
			return true
		}
	}
	return false
}

// InsertIfNotPresent records [lo, hi) as built. If it overlaps an existing interval, no
// mutation occurs and the call returns a sop.Error tagged RangeAlreadyBuilt — the caller
// (buildRange) is expected to re-consult MissingRanges and continue rather than treat this
// as a failure.
func (s *Set) InsertIfNotPresent(lo, hi any) error {
	if s.overlaps(lo, hi) {
		return sop.NewError(sop.RangeAlreadyBuilt, nil, Interval{Lo: lo, Hi: hi})
	}
	s.intervals = append(s.intervals, Interval{Lo: lo, Hi: hi})
	s.sortAndCoalesce()
	return nil
}

// InsertRangeConditional records [lo, hi) as built only if predicate returns true,
// evaluated after confirming no overlap exists. Used when the caller needs to couple the
// Range Set update to another condition (e.g. the chunk's commit having actually succeeded)
// within the same logical decision point.
func (s *Set) InsertRangeConditional(lo, hi any, predicate func() bool) error {
	if s.overlaps(lo, hi) {
		return sop.NewError(sop.RangeAlreadyBuilt, nil, Interval{Lo: lo, Hi: hi})
	}
	if !predicate() {
		return nil
	}
	s.intervals = append(s.intervals, Interval{Lo: lo, Hi: hi})
	s.sortAndCoalesce()
	return nil
}

// MissingRanges returns the subintervals of [lo, hi) not yet covered by any built interval,
// in ascending order.
func (s *Set) MissingRanges(lo, hi any) []Interval {
	loE, hiE := loEdge(lo), hiEdge(hi)
	var gaps []Interval
	cursor := loE

	for _, iv := range s.intervals {
		ivLoE, ivHiE := loEdge(iv.Lo), hiEdge(iv.Hi)

		if !s.lessEdge(ivLoE, hiE) {
			break // this and all later intervals start at/after hi
		}
		if !s.lessEdge(cursor, ivHiE) {
			continue // this interval ends at/before cursor, already covered or irrelevant
		}
		if s.lessEdge(cursor, ivLoE) {
			gaps = append(gaps, Interval{Lo: cursor.toAny(), Hi: ivLoE.toAny()})
		}
		if s.lessEdge(cursor, ivHiE) {
			cursor = ivHiE
		}
		if !s.lessEdge(cursor, hiE) {
			return gaps
		}
	}

	if s.lessEdge(cursor, hiE) {
		gaps = append(gaps, Interval{Lo: cursor.toAny(), Hi: hiE.toAny()})
	}
	return gaps
}

// FirstMissingRange returns the first gap in [lo, hi), or ok=false if the range is fully built.
func (s *Set) FirstMissingRange(lo, hi any) (Interval, bool) {
	gaps := s.MissingRanges(lo, hi)
	if len(gaps) == 0 {
		return Interval{}, false
	}
	return gaps[0], true
}

// IsFullyBuilt reports whether [lo, hi) is entirely covered by built intervals.
func (s *Set) IsFullyBuilt(lo, hi any) bool {
	return len(s.MissingRanges(lo, hi)) == 0
}

// Intervals returns the coalesced, sorted list of built intervals. The returned slice must
// not be mutated by the caller.
func (s *Set) Intervals() []Interval {
	return s.intervals
}

// Persist writes every interval in the set to tx as Range Set boundaries, replacing
// whatever was previously persisted for index. Called once per chunk commit with the
// updated in-memory Set, after InsertIfNotPresent has already merged the new interval in.
func Persist(ctx context.Context, tx store.Transaction, index string, existing []store.RangeBoundary, s *Set) error {
	for _, b := range existing {
		if err := tx.DeleteRangeBoundary(ctx, index, b); err != nil {
			return err
		}
	}
	for _, iv := range s.intervals {
		if err := tx.PutRangeBoundary(ctx, index, store.RangeBoundary{Lo: iv.Lo, Hi: iv.Hi}); err != nil {
			return err
		}
	}
	return nil
}
