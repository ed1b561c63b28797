package gate

import (
	"context"
	"testing"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/store/memstore"
)

func setLifecycle(t *testing.T, s store.Store, index string, state store.IndexLifecycleState) {
	t.Helper()
	ctx := context.Background()
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	if _, err := tx.SetIndexLifecycle(ctx, index, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func lifecycleOf(t *testing.T, s store.Store, index string) store.IndexLifecycleState {
	t.Helper()
	ctx := context.Background()
	tx, _ := s.OpenTransaction(ctx, store.NormalPriority)
	state, err := tx.GetIndexLifecycle(ctx, index)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return state
}

func TestEvaluate_ReadableIsSkipUnlessForceBuild(t *testing.T) {
	s := memstore.New(nil)
	setLifecycle(t, s, "idx", store.Readable)
	for _, p := range []sop.IndexStatePrecondition{
		sop.ErrorIfDisabledContinueIfWriteOnly, sop.BuildIfDisabled,
		sop.BuildIfDisabledContinueIfWriteOnly, sop.BuildIfDisabledRebuildIfWriteOnly,
	} {
		d, err := Evaluate(context.Background(), s, "idx", p)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", p, err)
		}
		if d.Action != Skip {
			t.Fatalf("expected Skip for Readable under %v, got %v", p, d.Action)
		}
	}
}

func TestEvaluate_ForceBuildAlwaysRebuildsEvenWhenReadable(t *testing.T) {
	s := memstore.New(nil)
	setLifecycle(t, s, "idx", store.Readable)
	d, err := Evaluate(context.Background(), s, "idx", sop.ForceBuild)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != Rebuild {
		t.Fatalf("expected Rebuild, got %v", d.Action)
	}
	if got := lifecycleOf(t, s, "idx"); got != store.WriteOnly {
		t.Fatalf("expected WriteOnly after ForceBuild, got %v", got)
	}
}

func TestEvaluate_ErrorIfDisabledFailsOnDisabled(t *testing.T) {
	s := memstore.New(nil)
	_, err := Evaluate(context.Background(), s, "idx", sop.ErrorIfDisabledContinueIfWriteOnly)
	if sop.CodeOf(err) != sop.StateMismatch {
		t.Fatalf("expected StateMismatch, got %v", err)
	}
}

func TestEvaluate_ErrorIfDisabledContinuesOnWriteOnly(t *testing.T) {
	s := memstore.New(nil)
	setLifecycle(t, s, "idx", store.WriteOnly)
	d, err := Evaluate(context.Background(), s, "idx", sop.ErrorIfDisabledContinueIfWriteOnly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != Resume {
		t.Fatalf("expected Resume, got %v", d.Action)
	}
}

func TestEvaluate_BuildIfDisabledSkipsConcurrentWriteOnly(t *testing.T) {
	s := memstore.New(nil)
	setLifecycle(t, s, "idx", store.WriteOnly)
	d, err := Evaluate(context.Background(), s, "idx", sop.BuildIfDisabled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != Skip {
		t.Fatalf("expected Skip (already being built), got %v", d.Action)
	}
}

func TestEvaluate_BuildIfDisabledBuildsFromDisabled(t *testing.T) {
	s := memstore.New(nil)
	d, err := Evaluate(context.Background(), s, "idx", sop.BuildIfDisabled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != Rebuild {
		t.Fatalf("expected Rebuild, got %v", d.Action)
	}
	if got := lifecycleOf(t, s, "idx"); got != store.WriteOnly {
		t.Fatalf("expected WriteOnly, got %v", got)
	}
}

func TestEvaluate_BuildIfDisabledRebuildIfWriteOnlyRebuildsExisting(t *testing.T) {
	s := memstore.New(nil)
	setLifecycle(t, s, "idx", store.WriteOnly)
	d, err := Evaluate(context.Background(), s, "idx", sop.BuildIfDisabledRebuildIfWriteOnly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != Rebuild {
		t.Fatalf("expected Rebuild, got %v", d.Action)
	}
}
