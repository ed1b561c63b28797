// Package byindex implements the By-Index build strategy: driving the build by scanning the
// keys of an already-readable source index rather than the primary-key space, per
// spec.md §4.F. The Range Set stored against the target index uses source-index keys as its
// boundaries, so resumption tracks the same ordering being scanned.
package byindex

import (
	"context"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/build"
	"github.com/sharedcode/sop/rangekey"
	"github.com/sharedcode/sop/rangeset"
	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/throttle"
)

// SourceLookup resolves one source-index entry to the base record it was derived from.
type SourceLookup func(ctx context.Context, entryKey any, entryValue []byte) (rec store.Record, ok bool, err error)

// Strategy builds the target index by iterating a source index's key space.
type Strategy struct {
	Store        store.Store
	Index        string // target index name
	SourceIndex  string // source index name
	RecordTypes  []store.RecordType
	SourceTypes  []store.RecordType
	Derive       build.EntryFunc
	Lookup       SourceLookup
	Cmp          func(a, b any) int
	Runner       *throttle.Runner
	AllowFallback bool
}

// New returns a By-Index strategy. cmp may be nil to use rangekey.Compare.
func New(s store.Store, index, sourceIndex string, recordTypes, sourceTypes []store.RecordType, derive build.EntryFunc, lookup SourceLookup, cmp func(a, b any) int, runner *throttle.Runner, allowFallback bool) *Strategy {
	if cmp == nil {
		cmp = rangekey.Compare
	}
	return &Strategy{
		Store: s, Index: index, SourceIndex: sourceIndex, RecordTypes: recordTypes,
		SourceTypes: sourceTypes, Derive: derive, Lookup: lookup, Cmp: cmp, Runner: runner,
		AllowFallback: allowFallback,
	}
}

// Validate is the pre-flight check of spec.md §4.F: the source index must be Readable and
// its record-type set a superset of the target's. Failure returns a sop.Error tagged
// ValidationFailure; the Orchestrator is responsible for converting that into a By-Records
// fallback when AllowFallback permits it, per spec.md §7 ("treated as a design-level
// fallback, not an error").
func (st *Strategy) Validate(ctx context.Context) error {
	tx, err := st.Store.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	state, err := tx.GetIndexLifecycle(ctx, st.SourceIndex)
	if err != nil {
		return err
	}
	if state != store.Readable {
		return sop.NewError(sop.ValidationFailure, nil, "source index "+st.SourceIndex+" is not Readable")
	}
	if !coversAll(st.SourceTypes, st.RecordTypes) {
		return sop.NewError(sop.ValidationFailure, nil, "source index "+st.SourceIndex+" does not cover all target record types")
	}
	return nil
}

func coversAll(have, want []store.RecordType) bool {
	set := make(map[store.RecordType]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// BuildEndpoints marks the source-index key space strictly before its current minimum key as
// built, mirroring byrecords.Strategy.BuildEndpoints but scoped to the source index's own
// persisted entries rather than the record store's primary keys.
func (st *Strategy) BuildEndpoints(ctx context.Context) (rangeset.Interval, bool, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	defer tx.Rollback(ctx)

	it, err := tx.ScanIndexEntries(ctx, st.SourceIndex, nil, nil, 1)
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	entry, ok, err := it.Next(ctx)
	it.Close()
	if err != nil {
		return rangeset.Interval{}, false, err
	}
	if !ok {
		return rangeset.Interval{}, true, nil
	}

	if err := st.markBuilt(ctx, tx, nil, entry.Key); err != nil && sop.CodeOf(err) != sop.RangeAlreadyBuilt {
		return rangeset.Interval{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return rangeset.Interval{}, false, err
	}
	return rangeset.Interval{Lo: entry.Key, Hi: nil}, false, nil
}

// BuildRange idempotently builds every missing subrange of the source-index key space
// [lo, hi), the same shape as byrecords.Strategy.BuildRange but driving lookups through
// Lookup instead of scanning primary keys directly.
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

func (st *Strategy) buildUnbuiltRange(ctx context.Context, lo, hi any, attempt throttle.Attempt) (int, error) {
	tx, err := st.Store.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	it, err := tx.ScanIndexEntries(ctx, st.SourceIndex, lo, hi, attempt.LEff+1)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var sourceEntries []store.IndexEntry
	writeBytes := 0
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		baseRec, found, err := st.Lookup(ctx, entry.Key, entry.Value)
		if err != nil {
			return 0, err
		}
		if found {
			if key, value, derive := st.Derive(baseRec); derive {
				if err := tx.SaveIndexEntry(ctx, st.Index, key, value); err != nil {
					return 0, err
				}
				writeBytes += len(value)
				if writeBytes > attempt.MaxWriteBytes {
					return 0, sop.NewError(sop.RetriableSmallerChunk, nil, "write byte budget exceeded")
				}
			}
		}
		sourceEntries = append(sourceEntries, entry)
	}

	if len(sourceEntries) == 0 {
		if err := st.markBuilt(ctx, tx, lo, hi); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	exhausted := len(sourceEntries) <= attempt.LEff
	delta := len(sourceEntries)
	resumeHi := hi
	if !exhausted {
		resumeHi = sourceEntries[attempt.LEff].Key
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
		_ = rs.InsertIfNotPresent(b.Lo, b.Hi)
	}
	if err := rs.InsertIfNotPresent(lo, hi); err != nil {
		return err
	}
	return rangeset.Persist(ctx, tx, st.Index, existing, rs)
}

// RebuildIndex resets and rebuilds the target in a single transaction by iterating the
// entire source index, mirroring byrecords.Strategy.RebuildIndex.
func (st *Strategy) RebuildIndex(ctx context.Context) error {
	tx, err := st.Store.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.ClearIndexData(ctx, st.Index); err != nil {
		return err
	}

	it, err := tx.ScanIndexEntries(ctx, st.SourceIndex, nil, nil, 0)
	if err != nil {
		return err
	}
	defer it.Close()

	var scanned uint64
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		baseRec, found, err := st.Lookup(ctx, entry.Key, entry.Value)
		if err != nil {
			return err
		}
		if found {
			if key, value, derive := st.Derive(baseRec); derive {
				if err := tx.SaveIndexEntry(ctx, st.Index, key, value); err != nil {
					return err
				}
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
