package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/sop"
)

func fastConfig() Config {
	c := DefaultConfig()
	c.InitialDelay = time.Millisecond
	c.MaxDelay = 5 * time.Millisecond
	c.RecordsPerSecond = 0 // disable pacing sleeps in tests
	return c
}

func TestRun_SucceedsFirstTry(t *testing.T) {
	r := New(fastConfig())
	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		calls++
		return 10, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if r.LEff() != r.cfg.MaxRecordsPerTxn {
		t.Fatalf("LEff should remain at max absent shrink/grow cycles")
	}
}

func TestRun_ShrinksOnRetriableSmallerChunk(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecordsPerTxn = 100
	r := New(cfg)

	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, sop.NewError(sop.RetriableSmallerChunk, nil, nil)
		}
		return 5, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two shrinks: 100 -> 50 -> 25.
	if r.LEff() != 25 {
		t.Fatalf("expected LEff=25 after two shrinks, got %d", r.LEff())
	}
}

func TestRun_ShrinkFloorsAtOne(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecordsPerTxn = 1
	cfg.MaxRetries = 5
	r := New(cfg)

	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		return 0, sop.NewError(sop.RetriableSmallerChunk, nil, nil)
	})
	if sop.CodeOf(err) != sop.MaxRetriesExceeded {
		t.Fatalf("expected MaxRetriesExceeded once L_eff=1 keeps failing, got %v", err)
	}
	if r.LEff() != 1 {
		t.Fatalf("LEff must never go below 1, got %d", r.LEff())
	}
}

func TestRun_RetriableSameChunkDoesNotShrink(t *testing.T) {
	cfg := fastConfig()
	r := New(cfg)
	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, sop.NewError(sop.RetriableSameChunk, nil, nil)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.LEff() != cfg.MaxRecordsPerTxn {
		t.Fatalf("retriable-same-chunk must not shrink LEff, got %d", r.LEff())
	}
}

func TestRun_NonRetriablePropagatesImmediately(t *testing.T) {
	r := New(fastConfig())
	calls := 0
	wantErr := sop.NewError(sop.ValidationFailure, nil, nil)
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		calls++
		return 0, wantErr
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retriable error, got %d", calls)
	}
	if sop.CodeOf(err) != sop.ValidationFailure {
		t.Fatalf("expected ValidationFailure to propagate unchanged, got %v", err)
	}
}

func TestRun_IncreaseLimitAfterRestoresChunkSize(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecordsPerTxn = 100
	cfg.IncreaseLimitAfter = 5
	cfg.MaxRetries = 1000
	r := New(cfg)
	r.lEff = 25 // simulate having already shrunk twice

	for i := 0; i < 5; i++ {
		err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
			return 1, nil
		})
		if err != nil {
			t.Fatalf("unexpected error on success %d: %v", i, err)
		}
	}
	if r.LEff() != 26 {
		t.Fatalf("expected LEff to grow by 1 after 5 consecutive successes, got %d", r.LEff())
	}
}

func TestRun_RangeAlreadyBuiltPropagatesForCallerToHandle(t *testing.T) {
	r := New(fastConfig())
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		return 0, sop.NewError(sop.RangeAlreadyBuilt, nil, nil)
	})
	if sop.CodeOf(err) != sop.RangeAlreadyBuilt {
		t.Fatalf("expected RangeAlreadyBuilt to propagate to the caller for local recovery, got %v", err)
	}
}

func TestRun_BeforeAttemptErrorAbortsImmediately(t *testing.T) {
	r := New(fastConfig())
	wantErr := sop.NewError(sop.SessionLost, nil, nil)
	r.BeforeAttempt = func(ctx context.Context) error { return wantErr }

	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		calls++
		return 1, nil
	})
	if calls != 0 {
		t.Fatalf("expected the chunk function never to run, got %d calls", calls)
	}
	if sop.CodeOf(err) != sop.SessionLost {
		t.Fatalf("expected SessionLost to propagate unchanged, got %v", err)
	}
}

func TestRun_AfterCommitRunsOnceOnSuccess(t *testing.T) {
	r := New(fastConfig())
	var committed int
	r.AfterCommit = func(recordsInTxn int) { committed = recordsInTxn }

	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if committed != 7 {
		t.Fatalf("expected AfterCommit(7), got %d", committed)
	}
}

func TestRun_BeforeAttemptRunsOnEveryRetry(t *testing.T) {
	r := New(fastConfig())
	before := 0
	r.BeforeAttempt = func(ctx context.Context) error {
		before++
		return nil
	}
	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context, a Attempt) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, sop.NewError(sop.RetriableSameChunk, nil, nil)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before != attempts {
		t.Fatalf("expected BeforeAttempt called once per attempt (%d), got %d", attempts, before)
	}
}
