package lease

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/cache"
)

func TestStart_SucceedsWhenNoLeaseExists(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	s, err := Start(context.Background(), c, "orders", "by_customer", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, err := s.CheckActive(context.Background())
	if err != nil || !active {
		t.Fatalf("expected active lease, active=%v err=%v", active, err)
	}
}

func TestStart_FailsWithSessionLockedWhenLeaseHeld(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	if _, err := Start(context.Background(), c, "orders", "by_customer", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := Start(context.Background(), c, "orders", "by_customer", time.Minute)
	if sop.CodeOf(err) != sop.SessionLocked {
		t.Fatalf("expected SessionLocked, got %v", err)
	}
}

func TestTakeover_AfterExpiryAnotherWorkerCanStart(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	_, err := Start(context.Background(), c, "orders", "by_customer", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	s2, err := Start(context.Background(), c, "orders", "by_customer", time.Minute)
	if err != nil {
		t.Fatalf("expected takeover to succeed after expiry, got %v", err)
	}
	active, _ := s2.CheckActive(context.Background())
	if !active {
		t.Fatalf("expected worker B's lease to be active after takeover")
	}
}

func TestRenew_FailsWithSessionLostAfterAdminEndAny(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	s, err := Start(context.Background(), c, "orders", "by_customer", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := EndAny(context.Background(), c, "orders", "by_customer"); err != nil {
		t.Fatalf("unexpected error from EndAny: %v", err)
	}
	err = s.Renew(context.Background())
	if sop.CodeOf(err) != sop.SessionLost {
		t.Fatalf("expected SessionLost after administrative EndAny, got %v", err)
	}
}

func TestJoin_FailsWithSessionLostOnIDMismatch(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	if _, err := Start(context.Background(), c, "orders", "by_customer", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := Join(context.Background(), c, "orders", "by_customer", sop.NewUUID(), time.Minute)
	if sop.CodeOf(err) != sop.SessionLost {
		t.Fatalf("expected SessionLost for mismatched join id, got %v", err)
	}
}

func TestEnd_ReleasesLeaseForNextWorker(t *testing.T) {
	c := cache.NewL2InMemoryCache()
	s, err := Start(context.Background(), c, "orders", "by_customer", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Start(context.Background(), c, "orders", "by_customer", time.Minute); err != nil {
		t.Fatalf("expected a fresh Start to succeed after End, got %v", err)
	}
}
