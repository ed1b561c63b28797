package byrecords

import (
	"context"
	"fmt"
	"testing"

	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/store/memstore"
	"github.com/sharedcode/sop/throttle"
)

func byID(rec store.Record) (any, []byte, bool) {
	return rec.Key, []byte(fmt.Sprintf("v%v", rec.Key)), true
}

func fastRunner() *throttle.Runner {
	cfg := throttle.DefaultConfig()
	cfg.RecordsPerSecond = 0
	return throttle.New(cfg)
}

func seeded(n int) *memstore.Store {
	s := memstore.New(nil)
	for i := 0; i < n; i++ {
		s.Put(i, "order", i)
	}
	return s
}

func TestBuildEndpoints_EmptyStore(t *testing.T) {
	s := memstore.New(nil)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	_, done, err := st.BuildEndpoints(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected done=true for empty store")
	}
}

func TestBuildEndpoints_MarksBeforeMinKeyBuilt(t *testing.T) {
	s := seeded(10)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	interior, done, err := st.BuildEndpoints(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatalf("expected done=false")
	}
	if interior.Lo != 0 || interior.Hi != nil {
		t.Fatalf("expected interior [0,+inf), got %+v", interior)
	}
}

func TestFullBuild_1000RecordsTenChunks(t *testing.T) {
	s := seeded(1000)
	cfg := throttle.DefaultConfig()
	cfg.MaxRecordsPerTxn = 100
	cfg.RecordsPerSecond = 0
	st := New(s, "by_id", nil, byID, nil, throttle.New(cfg))

	ctx := context.Background()
	interior, done, err := st.BuildEndpoints(ctx)
	if err != nil || done {
		t.Fatalf("unexpected BuildEndpoints result: done=%v err=%v", done, err)
	}
	if err := st.BuildRange(ctx, interior.Lo, interior.Hi); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	scanned, err := tx.GetScanned(ctx, "by_id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scanned != 1000 {
		t.Fatalf("expected scanned=1000, got %d", scanned)
	}
}

func TestBuildRange_IdempotentSecondCallNoOp(t *testing.T) {
	s := seeded(50)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	ctx := context.Background()

	if err := st.BuildRange(ctx, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	before, _ := tx.GetScanned(ctx, "by_id")

	if err := st.BuildRange(ctx, 0, nil); err != nil {
		t.Fatalf("unexpected error on repeat: %v", err)
	}
	tx2, _ := s.OpenTransaction(ctx, store.NormalPriority)
	after, _ := tx2.GetScanned(ctx, "by_id")
	if before != after {
		t.Fatalf("expected scanned to stay at %d after idempotent rebuild, got %d", before, after)
	}
}

func TestRebuildIndex_SmallStore(t *testing.T) {
	s := seeded(20)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	ctx := context.Background()
	if err := st.RebuildIndex(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	scanned, _ := tx.GetScanned(ctx, "by_id")
	if scanned != 20 {
		t.Fatalf("expected scanned=20, got %d", scanned)
	}
	// RebuildIndex only clears and repopulates entries, the Range Set, and the scanned
	// counter; the Readable transition belongs to the orchestrator, so the lifecycle
	// marker keeps the Disabled state this fresh store started with.
	state, _ := tx.GetIndexLifecycle(ctx, "by_id")
	if state != store.Disabled {
		t.Fatalf("expected lifecycle to stay Disabled, got %v", state)
	}
}

func TestSplitBuildRange_NumericInterpolation(t *testing.T) {
	s := seeded(100)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	ctx := context.Background()

	splits, err := st.SplitBuildRange(ctx, 0, 100, 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(splits) != 4 {
		t.Fatalf("expected 4 splits, got %d: %+v", len(splits), splits)
	}
	if splits[0].Lo != 0 || splits[len(splits)-1].Hi != 100 {
		t.Fatalf("expected splits to span [0,100), got %+v", splits)
	}
}

func TestSplitBuildRange_FallsBackToFullRangeForNonNumericDomain(t *testing.T) {
	s := memstore.New(nil)
	st := New(s, "by_id", nil, byID, nil, fastRunner())
	splits, err := st.SplitBuildRange(context.Background(), "a", "z", 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(splits) != 1 || splits[0].Lo != "a" || splits[0].Hi != "z" {
		t.Fatalf("expected single full range fallback for a string domain, got %+v", splits)
	}
}
