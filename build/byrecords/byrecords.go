// Package byrecords implements the By-Records build strategy: driving the build by scanning
// the primary-key space of the record store directly, per spec.md §4.E.
package byrecords

import (
	"context"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/build"
	"github.com/sharedcode/sop/rangekey"
	"github.com/sharedcode/sop/rangeset"
	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/throttle"
)

// Strategy builds an index by scanning primary keys.
type Strategy struct {
	Store       store.Store
	Index       string
	RecordTypes []store.RecordType
	Derive      build.EntryFunc
	Cmp         func(a, b any) int
	Runner      *throttle.Runner
}

// New returns a By-Records strategy. cmp may be nil to use rangekey.Compare.
func New(s store.Store, index string, recordTypes []store.RecordType, derive build.EntryFunc, cmp func(a, b any) int, runner *throttle.Runner) *Strategy {
	if cmp == nil {
		cmp = rangekey.Compare
	}
	return &Strategy{Store: s, Index: index, RecordTypes: recordTypes, Derive: derive, Cmp: cmp, Runner: runner}
}

// BuildEndpoints marks the key space strictly before the store's current minimum key as
// built and returns the interior range still needing a scan.
//
// spec.md §4.E also marks (lastKey, +∞) built immediately, as an optimization letting
// foreground appends past the current end avoid conflicting with the in-progress build. That
// half of the optimization is deliberately not replicated here: primary keys are an opaque
// `any` compared only through Cmp, so there is no portable successor operation available to
// exclude lastKey itself from that marker without risking silently skipping it. The same end
// state is reached without one: buildUnbuiltRange's final chunk, on observing the true end of
// the store, marks its own upper boundary as +infinity, closing the Range Set identically.
func (st *Strategy) BuildEndpoints(ctx context.Context) (rangeset.Interval, bool, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	defer tx.Rollback(ctx)

	minKey, _, empty, err := tx.PrimaryKeyBounds(ctx)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	if empty {
		return rangeset.Interval{}, true, nil
	}

	if err := st.markBuilt(ctx, tx, nil, minKey); err != nil && sop.CodeOf(err) != sop.RangeAlreadyBuilt {
		return rangeset.Interval{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return rangeset.Interval{}, false, err
	}
	return rangeset.Interval{Lo: minKey, Hi: nil}, false, nil
}

// BuildRange idempotently builds every missing subrange of [lo, hi). Safe to call repeatedly
// or from multiple racing workers: a RangeAlreadyBuilt surfaced by a racing worker's commit
// just narrows the next missing range rather than failing the call.
func (st *Strategy) BuildRange(ctx context.Context, lo, hi any) error {
	for {
		gap, done, err := st.firstMissing(ctx, lo, hi)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		err = st.Runner.Run(ctx, func(ctx context.Context, a throttle.Attempt) (int, error) {
			return st.buildUnbuiltRange(ctx, gap.Lo, gap.Hi, a)
		})
		if err != nil && sop.CodeOf(err) != sop.RangeAlreadyBuilt {
			return err
		}
	}
}

func (st *Strategy) firstMissing(ctx context.Context, lo, hi any) (rangeset.Interval, bool, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	defer tx.Rollback(ctx)
	rs, err := rangeset.Hydrate(ctx, tx, st.Index, st.Cmp)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	gap, ok := rs.FirstMissingRange(lo, hi)
	if !ok {
		return rangeset.Interval{}, true, nil
	}
	return gap, false, nil
}

// buildUnbuiltRange is the non-idempotent primitive: it scans [lo, hi) up to attempt.LEff+1
// records (the extra record is a lookahead used only to detect whether the range was fully
// consumed), derives and saves index entries for each, and marks the processed prefix built.
// A chunk that only partially drains the gap persists [lo, r) as built, where r is the
// lookahead record's key; the held-back lookahead record's entry has already been saved
// (upserts are idempotent) and will simply be re-derived and folded into the next chunk, so
// nothing is lost and the scanned counter never double-counts it.
func (st *Strategy) buildUnbuiltRange(ctx context.Context, lo, hi any, attempt throttle.Attempt) (int, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	it, err := tx.ScanRecords(ctx, lo, hi, attempt.LEff+1, st.RecordTypes)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var recs []store.Record
	writeBytes := 0
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if key, value, derive := st.Derive(rec); derive {
			if err := tx.SaveIndexEntry(ctx, st.Index, key, value); err != nil {
				return 0, err
			}
			writeBytes += len(value)
			if writeBytes > attempt.MaxWriteBytes {
				return 0, sop.NewError(sop.RetriableSmallerChunk, nil, "write byte budget exceeded")
			}
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 {
		if err := st.markBuilt(ctx, tx, lo, hi); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	exhausted := len(recs) <= attempt.LEff
	delta := len(recs)
	resumeHi := hi
	if !exhausted {
		resumeHi = recs[attempt.LEff].Key
		delta = attempt.LEff
	}

	if err := st.markBuilt(ctx, tx, lo, resumeHi); err != nil {
		return 0, err
	}
	if _, err := tx.AddScanned(ctx, st.Index, uint64(delta)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return delta, nil
}

func (st *Strategy) markBuilt(ctx context.Context, tx store.Transaction, lo, hi any) error {
	existing, err := tx.ScanRangeBoundaries(ctx, st.Index)
	if err != nil {
		return err
	}
	rs := rangeset.New(st.Cmp)
	for _, b := range existing {
		// Persisted boundaries are already disjoint; ignore: they cannot overlap each other.
		_ = rs.InsertIfNotPresent(b.Lo, b.Hi)
	}
	if err := rs.InsertIfNotPresent(lo, hi); err != nil {
		return err
	}
	return rangeset.Persist(ctx, tx, st.Index, existing, rs)
}

// RebuildIndex resets and rebuilds the index in a single transaction: appropriate only for
// small stores, per spec.md §4.E — large stores will fail this with the store's own
// transaction-too-large classification, surfaced unchanged.
func (st *Strategy) RebuildIndex(ctx context.Context) error {
	tx, err := st.Store.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.ClearIndexData(ctx, st.Index); err != nil {
		return err
	}

	it, err := tx.ScanRecords(ctx, nil, nil, 0, st.RecordTypes)
	if err != nil {
		return err
	}
	defer it.Close()

	var scanned uint64
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if key, value, derive := st.Derive(rec); derive {
			if err := tx.SaveIndexEntry(ctx, st.Index, key, value); err != nil {
				return err
			}
		}
		scanned++
	}
	if scanned > 0 {
		if err := tx.PutRangeBoundary(ctx, st.Index, store.RangeBoundary{Lo: nil, Hi: nil}); err != nil {
			return err
		}
		if _, err := tx.AddScanned(ctx, st.Index, scanned); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SplitBuildRange produces up to maxSplit disjoint subranges covering the span from the start
// of the first missing range to the end of the last missing range within [lo, hi); built
// intervals lying between missing ranges are included in that span, not cut out. Per
// spec.md §4.E, it interpolates over the key domain when it is a known
// numeric type. Non-numeric domains (strings, UUIDs, time.Time, custom rangekey.Comparer
// types) and infinite bounds have no portable midpoint operation, so splitting degrades
// gracefully to the single full range rather than guessing.
func (st *Strategy) SplitBuildRange(ctx context.Context, lo, hi any, minSplit, maxSplit int) ([]rangeset.Interval, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	rs, err := rangeset.Hydrate(ctx, tx, st.Index, st.Cmp)
	if err != nil {
		return nil, err
	}
	missing := rs.MissingRanges(lo, hi)
	if len(missing) == 0 {
		return nil, nil
	}
	full := rangeset.Interval{Lo: missing[0].Lo, Hi: missing[len(missing)-1].Hi}

	splits := interpolateSplits(full.Lo, full.Hi, maxSplit)
	if len(splits) < minSplit {
		return []rangeset.Interval{full}, nil
	}
	return splits, nil
}

func interpolateSplits(lo, hi any, maxSplit int) []rangeset.Interval {
	if maxSplit < 2 {
		return nil
	}
	loF, loOK := toFloat(lo)
	hiF, hiOK := toFloat(hi)
	if !loOK || !hiOK || hiF <= loF {
		return nil
	}
	step := (hiF - loF) / float64(maxSplit)

	out := make([]rangeset.Interval, 0, maxSplit)
	cur := lo
	for i := 0; i < maxSplit; i++ {
		if i == maxSplit-1 {
			out = append(out, rangeset.Interval{Lo: cur, Hi: hi})
			break
		}
		next := fromFloat(loF+step*float64(i+1), lo)
		out = append(out, rangeset.Interval{Lo: cur, Hi: next})
		cur = next
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func fromFloat(f float64, like any) any {
	switch like.(type) {
	case int:
		return int(f)
	case int32:
		return int32(f)
	case int64:
		return int64(f)
	case uint64:
		return uint64(f)
	case float32:
		return float32(f)
	default:
		return f
	}
}
