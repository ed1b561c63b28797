package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/build/byindex"
	"github.com/sharedcode/sop/cache"
	"github.com/sharedcode/sop/lease"
	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/store/memstore"
)

func byID(rec store.Record) (any, []byte, bool) {
	return rec.Key, []byte(fmt.Sprintf("v%v", rec.Key)), true
}

func seeded(n int) *memstore.Store {
	s := memstore.New(nil)
	for i := 0; i < n; i++ {
		s.Put(i, "order", i)
	}
	return s
}

func lookupByPrimaryKey(s store.Store) byindex.SourceLookup {
	return func(ctx context.Context, entryKey any, entryValue []byte) (store.Record, bool, error) {
		tx, err := s.OpenTransaction(ctx, store.BackgroundPriority)
		if err != nil {
			return store.Record{}, false, err
		}
		defer tx.Rollback(ctx)
		return tx.GetRecordByPrimaryKey(ctx, entryKey)
	}
}

// Scenario 1 (spec.md §8): a fresh build over 1000 records at L=100 runs to completion and
// transitions the index all the way to Readable.
func TestBuildIndex_FreshBuildCompletesAndBecomesReadable(t *testing.T) {
	s := seeded(1000)
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.MaxLimit = 100
	cfg.RecordsPerSecond = 0
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	o := New(s, c, "orders", cfg)

	spec := IndexSpec{Index: "by_id", RecordTypes: []store.RecordType{"order"}, Derive: byID}
	if err := o.BuildIndex(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	scanned, err := tx.GetScanned(ctx, "by_id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scanned != 1000 {
		t.Fatalf("expected scanned=1000, got %d", scanned)
	}
	state, _ := tx.GetIndexLifecycle(ctx, "by_id")
	if state != store.Readable {
		t.Fatalf("expected Readable, got %v", state)
	}
}

// Scenario 2 (spec.md §8): a second worker racing against a held lease is refused with
// SessionLocked rather than double-building; once the first lease ends, a later call takes
// over and completes the build exactly once.
func TestBuildIndex_SecondWorkerBlockedThenTakesOverAfterLeaseEnds(t *testing.T) {
	s := seeded(50)
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.RecordsPerSecond = 0
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	o := New(s, c, "orders", cfg)
	spec := IndexSpec{Index: "by_id", RecordTypes: []store.RecordType{"order"}, Derive: byID}

	held, err := lease.Start(context.Background(), c, "orders", "by_id", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := o.BuildIndex(context.Background(), spec); sop.CodeOf(err) != sop.SessionLocked {
		t.Fatalf("expected SessionLocked while the lease is held, got %v", err)
	}

	if err := held.End(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.BuildIndex(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error on takeover: %v", err)
	}

	ctx := context.Background()
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	scanned, _ := tx.GetScanned(ctx, "by_id")
	if scanned != 50 {
		t.Fatalf("expected scanned=50 exactly once, got %d", scanned)
	}
}

// sizeLimitedStore injects a RetriableSmallerChunk commit failure whenever a chunk writes
// more entries than limit, simulating a storage-side too-large-transaction condition.
type sizeLimitedStore struct {
	store.Store
	limit int
}

func (s *sizeLimitedStore) OpenTransaction(ctx context.Context, p store.Priority) (store.Transaction, error) {
	tx, err := s.Store.OpenTransaction(ctx, p)
	if err != nil {
		return nil, err
	}
	return &sizeLimitedTxn{Transaction: tx, limit: s.limit}, nil
}

type sizeLimitedTxn struct {
	store.Transaction
	limit int
	count int
}

func (t *sizeLimitedTxn) SaveIndexEntry(ctx context.Context, index string, key any, value []byte) error {
	t.count++
	return t.Transaction.SaveIndexEntry(ctx, index, key, value)
}

func (t *sizeLimitedTxn) Commit(ctx context.Context) error {
	if t.count > t.limit {
		return sop.NewError(sop.RetriableSmallerChunk, nil, t.count)
	}
	return t.Transaction.Commit(ctx)
}

// Scenario 3 (spec.md §8): a transient too-large-chunk condition shrinks L_eff across
// consecutive retries (100 -> 50 -> 25, matching the documented sequence) and the build
// still runs to completion once the effective chunk size falls under the injected limit.
func TestBuildIndex_ShrinksOnTransientTooLargeThenCompletes(t *testing.T) {
	inner := seeded(500)
	limited := &sizeLimitedStore{Store: inner, limit: 30}
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.MaxLimit = 100
	cfg.RecordsPerSecond = 0
	cfg.IncreaseLimitAfter = 5
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	o := New(limited, c, "orders", cfg)

	spec := IndexSpec{Index: "by_id", RecordTypes: []store.RecordType{"order"}, Derive: byID}
	if err := o.BuildIndex(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	tx, _ := inner.OpenTransaction(ctx, store.NormalPriority)
	scanned, _ := tx.GetScanned(ctx, "by_id")
	if scanned != 500 {
		t.Fatalf("expected scanned=500 despite the injected shrink/grow cycles, got %d", scanned)
	}
}

// Scenario 4 (spec.md §8): a By-Index strategy whose source index isn't Readable fails
// Validate with ValidationFailure, and the Orchestrator falls back to By-Records to finish
// the build.
func TestBuildIndex_ByIndexValidationFailureFallsBackToByRecords(t *testing.T) {
	s := seeded(200)
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.RecordsPerSecond = 0
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	o := New(s, c, "orders", cfg)

	spec := IndexSpec{
		Index:       "by_total",
		RecordTypes: []store.RecordType{"order"},
		Derive:      byID,
		Source: &SourceSpec{
			Index:           "by_customer", // never built Readable
			Types:           []store.RecordType{"order"},
			Lookup:          lookupByPrimaryKey(s),
			AllowRecordScan: true,
		},
	}
	if err := o.BuildIndex(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	scanned, _ := tx.GetScanned(ctx, "by_total")
	if scanned != 200 {
		t.Fatalf("expected scanned=200 after the by-records fallback, got %d", scanned)
	}
	state, _ := tx.GetIndexLifecycle(ctx, "by_total")
	if state != store.Readable {
		t.Fatalf("expected Readable, got %v", state)
	}
}

// cancelAfterStore cancels its own context once a build has committed threshold records,
// simulating an external cancellation mid-build.
type cancelAfterStore struct {
	store.Store
	mu        sync.Mutex
	committed int
	threshold int
	triggered bool
	cancel    func()
}

func (s *cancelAfterStore) OpenTransaction(ctx context.Context, p store.Priority) (store.Transaction, error) {
	tx, err := s.Store.OpenTransaction(ctx, p)
	if err != nil {
		return nil, err
	}
	return &cancelAfterTxn{Transaction: tx, owner: s}, nil
}

type cancelAfterTxn struct {
	store.Transaction
	owner *cancelAfterStore
}

func (t *cancelAfterTxn) AddScanned(ctx context.Context, index string, delta uint64) (uint64, error) {
	total, err := t.Transaction.AddScanned(ctx, index, delta)
	if err != nil {
		return total, err
	}
	t.owner.mu.Lock()
	t.owner.committed += int(delta)
	trigger := t.owner.committed >= t.owner.threshold && !t.owner.triggered
	if trigger {
		t.owner.triggered = true
	}
	t.owner.mu.Unlock()
	if trigger {
		t.owner.cancel()
	}
	return total, nil
}

// Scenario 5 (spec.md §8): a build cancelled after 300 committed records leaves the Range
// Set at its last checkpoint; a later call with a fresh context resumes and reaches the same
// total a single uninterrupted build would have.
func TestBuildIndex_CancellationThenResumeReachesFullCount(t *testing.T) {
	inner := seeded(1000)
	ctx, cancel := context.WithCancel(context.Background())
	limited := &cancelAfterStore{Store: inner, threshold: 300, cancel: cancel}
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.MaxLimit = 100
	cfg.RecordsPerSecond = 0
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	o := New(limited, c, "orders", cfg)
	spec := IndexSpec{Index: "by_id", RecordTypes: []store.RecordType{"order"}, Derive: byID}

	if err := o.BuildIndex(ctx, spec); err == nil {
		t.Fatalf("expected an error from the cancelled build")
	}

	if err := o.BuildIndex(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}

	tx, _ := inner.OpenTransaction(context.Background(), store.NormalPriority)
	scanned, _ := tx.GetScanned(context.Background(), "by_id")
	if scanned != 1000 {
		t.Fatalf("expected scanned=1000 after resume, got %d", scanned)
	}
}

// stopAfterStore calls back into an Orchestrator's StopOngoingBuild once a build has
// committed threshold records, simulating an administrator stopping the build mid-flight.
type stopAfterStore struct {
	store.Store
	orchestrator *Orchestrator
	index        string
	threshold    int
	mu           sync.Mutex
	committed    int
	triggered    bool
}

func (s *stopAfterStore) OpenTransaction(ctx context.Context, p store.Priority) (store.Transaction, error) {
	tx, err := s.Store.OpenTransaction(ctx, p)
	if err != nil {
		return nil, err
	}
	return &stopAfterTxn{Transaction: tx, owner: s}, nil
}

type stopAfterTxn struct {
	store.Transaction
	owner *stopAfterStore
}

func (t *stopAfterTxn) AddScanned(ctx context.Context, index string, delta uint64) (uint64, error) {
	total, err := t.Transaction.AddScanned(ctx, index, delta)
	if err != nil {
		return total, err
	}
	t.owner.mu.Lock()
	t.owner.committed += int(delta)
	trigger := t.owner.committed >= t.owner.threshold && !t.owner.triggered
	if trigger {
		t.owner.triggered = true
	}
	t.owner.mu.Unlock()
	if trigger {
		_ = t.owner.orchestrator.StopOngoingBuild(ctx, t.owner.index)
	}
	return total, nil
}

// Scenario 6 (spec.md §8): an administrative stop deletes the Session Lease out from under
// an in-progress build; the next chunk's lease renewal observes this and the build aborts
// with SessionLost rather than silently continuing.
func TestBuildIndex_AdministrativeStopAbortsWithSessionLost(t *testing.T) {
	inner := seeded(500)
	c := cache.NewL2InMemoryCache()
	cfg := sop.DefaultConfiguration()
	cfg.MaxLimit = 50
	cfg.RecordsPerSecond = 0
	cfg.IndexStatePrecondition = sop.BuildIfDisabledContinueIfWriteOnly
	decorator := &stopAfterStore{index: "by_id", threshold: 100}
	o := New(decorator, c, "orders", cfg)
	decorator.Store = inner
	decorator.orchestrator = o

	spec := IndexSpec{Index: "by_id", RecordTypes: []store.RecordType{"order"}, Derive: byID}
	err := o.BuildIndex(context.Background(), spec)
	if sop.CodeOf(err) != sop.SessionLost {
		t.Fatalf("expected SessionLost after the administrative stop, got %v", err)
	}
}
