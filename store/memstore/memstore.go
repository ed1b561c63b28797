// Package memstore is a single-process, in-memory store.Store used by the scenario tests
// in package orchestrator and by component-level tests throughout this repository. Each
// transaction stages its index mutations in a private copy-on-touch overlay instead of
// writing straight through to the shared Store; only a successful Commit installs that
// overlay, atomically and all at once, under the Store's single mutex. Rollback, or a
// Commit that never runs, simply drops the overlay, so a transaction that never commits
// leaves the Store exactly as it found it — mirroring the teacher's synchronized
// in-memory cache pattern (cache.NewSynchronizedCache) rather than anything
// transactionally sophisticated: there is no isolation between concurrent transactions
// touching the same index, only atomicity of one transaction's own writes, because the
// builder itself holds at most one transaction open at a time per index.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sharedcode/sop/rangekey"
	"github.com/sharedcode/sop/store"
)

type indexState struct {
	lifecycle store.IndexLifecycleState
	entries   map[string]store.IndexEntry
	entryKeys []any
	ranges    []store.RangeBoundary
	scanned   uint64
}

func cloneIndexState(st *indexState) *indexState {
	c := &indexState{
		lifecycle: st.lifecycle,
		entries:   make(map[string]store.IndexEntry, len(st.entries)),
		entryKeys: append([]any(nil), st.entryKeys...),
		ranges:    append([]store.RangeBoundary(nil), st.ranges...),
		scanned:   st.scanned,
	}
	for k, v := range st.entries {
		c.entries[k] = v
	}
	return c
}

// Store is an in-memory store.Store keyed by a caller-supplied key comparer.
type Store struct {
	mu      sync.Mutex
	cmp     func(x, y any) int
	records map[string]store.Record
	keys    []any
	indexes map[string]*indexState
}

// New returns an empty in-memory store ordering primary keys with cmp. Pass nil to use
// rangekey.Compare's default ordering (ints, floats, strings, UUIDs, time.Time, Comparer).
func New(cmp func(x, y any) int) *Store {
	if cmp == nil {
		cmp = rangekey.Compare
	}
	return &Store{
		cmp:     cmp,
		records: make(map[string]store.Record),
		indexes: make(map[string]*indexState),
	}
}

func keyStr(k any) string {
	return fmt.Sprintf("%v", k)
}

// Put inserts or replaces a record. Intended for test setup, not part of store.Store.
func (s *Store) Put(key any, typ store.RecordType, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := keyStr(key)
	if _, exists := s.records[ks]; !exists {
		s.keys = append(s.keys, key)
		sort.Slice(s.keys, func(i, j int) bool { return s.cmp(s.keys[i], s.keys[j]) < 0 })
	}
	s.records[ks] = store.Record{Key: key, Type: typ, Value: value}
}

// OpenTransaction returns a new transaction. priority is accepted but ignored: this store
// has no foreground traffic to yield to.
func (s *Store) OpenTransaction(ctx context.Context, priority store.Priority) (store.Transaction, error) {
	return &txn{s: s}, nil
}

// txn buffers its own view of every index it touches in local, cloned lazily from the
// Store on first touch (or created fresh, Disabled, if the index doesn't exist yet).
// All reads and writes within the transaction's lifetime operate on that private copy;
// the Store itself is only ever locked to take the initial snapshot and, on Commit, to
// install the finished overlays.
type txn struct {
	s       *Store
	local   map[string]*indexState
	touched []string
}

func (t *txn) localIndex(index string) *indexState {
	if st, ok := t.local[index]; ok {
		return st
	}
	t.s.mu.Lock()
	existing, ok := t.s.indexes[index]
	t.s.mu.Unlock()

	var st *indexState
	if ok {
		st = cloneIndexState(existing)
	} else {
		st = &indexState{lifecycle: store.Disabled, entries: make(map[string]store.IndexEntry)}
	}
	if t.local == nil {
		t.local = make(map[string]*indexState)
	}
	t.local[index] = st
	t.touched = append(t.touched, index)
	return st
}

func (t *txn) GetRecordByPrimaryKey(ctx context.Context, k any) (store.Record, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.s.records[keyStr(k)]
	return rec, ok, nil
}

func (t *txn) PrimaryKeyBounds(ctx context.Context) (any, any, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if len(t.s.keys) == 0 {
		return nil, nil, true, nil
	}
	return t.s.keys[0], t.s.keys[len(t.s.keys)-1], false, nil
}

type sliceIterator struct {
	recs []store.Record
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (store.Record, bool, error) {
	if it.pos >= len(it.recs) {
		return store.Record{}, false, nil
	}
	r := it.recs[it.pos]
	it.pos++
	return r, true, nil
}

func (it *sliceIterator) Close() error { return nil }

func typeAllowed(t store.RecordType, types []store.RecordType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func (t *txn) ScanRecords(ctx context.Context, lo, hi any, limit int, recordTypes []store.RecordType) (store.RecordIterator, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var out []store.Record
	for _, k := range t.s.keys {
		if lo != nil && t.s.cmp(k, lo) < 0 {
			continue
		}
		if hi != nil && t.s.cmp(k, hi) >= 0 {
			continue
		}
		rec := t.s.records[keyStr(k)]
		if !typeAllowed(rec.Type, recordTypes) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return &sliceIterator{recs: out}, nil
}

func (t *txn) SaveIndexEntry(ctx context.Context, index string, key any, value []byte) error {
	st := t.localIndex(index)
	ks := keyStr(key)
	if _, exists := st.entries[ks]; !exists {
		st.entryKeys = append(st.entryKeys, key)
		sort.Slice(st.entryKeys, func(i, j int) bool { return t.s.cmp(st.entryKeys[i], st.entryKeys[j]) < 0 })
	}
	st.entries[ks] = store.IndexEntry{Key: key, Value: value}
	return nil
}

type indexEntryIterator struct {
	entries []store.IndexEntry
	pos     int
}

func (it *indexEntryIterator) Next(ctx context.Context) (store.IndexEntry, bool, error) {
	if it.pos >= len(it.entries) {
		return store.IndexEntry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

func (it *indexEntryIterator) Close() error { return nil }

func (t *txn) ScanIndexEntries(ctx context.Context, index string, lo, hi any, limit int) (store.IndexEntryIterator, error) {
	st := t.localIndex(index)
	var out []store.IndexEntry
	for _, k := range st.entryKeys {
		if lo != nil && t.s.cmp(k, lo) < 0 {
			continue
		}
		if hi != nil && t.s.cmp(k, hi) >= 0 {
			continue
		}
		out = append(out, st.entries[keyStr(k)])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return &indexEntryIterator{entries: out}, nil
}

func (t *txn) SetIndexLifecycle(ctx context.Context, index string, state store.IndexLifecycleState) (store.IndexLifecycleState, error) {
	st := t.localIndex(index)
	prev := st.lifecycle
	st.lifecycle = state
	return prev, nil
}

func (t *txn) GetIndexLifecycle(ctx context.Context, index string) (store.IndexLifecycleState, error) {
	return t.localIndex(index).lifecycle, nil
}

// ClearIndexData drops index's entries, Range Set boundaries and scanned counter within this
// transaction's overlay. The lifecycle state is kept as it was, so the Gate's Rebuild path
// may set WriteOnly before or after clearing.
func (t *txn) ClearIndexData(ctx context.Context, index string) error {
	lifecycle := t.localIndex(index).lifecycle
	if t.local == nil {
		t.local = make(map[string]*indexState)
	}
	if _, ok := t.local[index]; !ok {
		t.touched = append(t.touched, index)
	}
	t.local[index] = &indexState{lifecycle: lifecycle, entries: make(map[string]store.IndexEntry)}
	return nil
}

func (t *txn) PutRangeBoundary(ctx context.Context, index string, b store.RangeBoundary) error {
	st := t.localIndex(index)
	st.ranges = append(st.ranges, b)
	return nil
}

func (t *txn) DeleteRangeBoundary(ctx context.Context, index string, b store.RangeBoundary) error {
	st := t.localIndex(index)
	for i, existing := range st.ranges {
		if t.s.cmp(existing.Lo, b.Lo) == 0 && t.s.cmp(existing.Hi, b.Hi) == 0 {
			st.ranges = append(st.ranges[:i], st.ranges[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *txn) ScanRangeBoundaries(ctx context.Context, index string) ([]store.RangeBoundary, error) {
	st := t.localIndex(index)
	out := make([]store.RangeBoundary, len(st.ranges))
	copy(out, st.ranges)
	return out, nil
}

func (t *txn) AddScanned(ctx context.Context, index string, delta uint64) (uint64, error) {
	st := t.localIndex(index)
	st.scanned += delta
	return st.scanned, nil
}

func (t *txn) GetScanned(ctx context.Context, index string) (uint64, error) {
	return t.localIndex(index).scanned, nil
}

// Commit installs every index this transaction touched into the Store in one critical
// section. A transaction that touched nothing is a no-op. Once this returns successfully
// the writes are visible to every future transaction; until then the Store is untouched.
func (t *txn) Commit(ctx context.Context) error {
	if len(t.touched) == 0 {
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, index := range t.touched {
		t.s.indexes[index] = t.local[index]
	}
	t.touched = nil
	t.local = nil
	return nil
}

// Rollback discards this transaction's overlay. Since no mutating method above ever
// touches the Store directly, this is just dropping local state the Store never saw.
func (t *txn) Rollback(ctx context.Context) error {
	t.touched = nil
	t.local = nil
	return nil
}
