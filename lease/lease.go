// Package lease implements the Session Lease: the cross-process mutual-exclusion guarantee
// ensuring at most one active indexer per (store, index) pair, with takeover semantics. As
// spec.md §4.C notes, the lease is a performance shield, not a safety one — the Range Set
// is what actually prevents double-counting; the lease only stops two workers from
// indefinitely duplicating I/O against the same range.
package lease

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/sop"
)

// Session identifies one held lease: a unique id and the lease length it was granted for.
type Session struct {
	ID       sop.UUID
	key      string
	duration time.Duration
	cache    sop.L2Cache
}

func leaseKey(storeName, index string) string {
	return fmt.Sprintf("%s/%s/lock", storeName, index)
}

// Start attempts to acquire a new lease for (storeName, index). It fails with SessionLocked
// if a live lease already exists.
func Start(ctx context.Context, cache sop.L2Cache, storeName, index string, leaseLength time.Duration) (*Session, error) {
	id := sop.NewUUID()
	lockKeys := cache.CreateLockKeys([]string{leaseKey(storeName, index)})
	lockKeys[0].LockID = id

	ok, holder, err := cache.Lock(ctx, leaseLength, lockKeys)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sop.NewError(sop.SessionLocked, nil, holder)
	}
	log.Info("lease started", "store", storeName, "index", index, "session", id.String())
	return &Session{ID: id, key: lockKeys[0].Key, duration: leaseLength, cache: cache}, nil
}

// Join attaches to an existing lease by id, renewing it for another leaseLength. It fails
// with SessionLost if the persisted lease no longer matches existingID (stolen or expired
// and reissued to someone else).
func Join(ctx context.Context, cache sop.L2Cache, storeName, index string, existingID sop.UUID, leaseLength time.Duration) (*Session, error) {
	key := cache.FormatLockKey(leaseKey(storeName, index))
	lockKeys := []*sop.LockKey{{Key: key, LockID: existingID}}

	ok, err := cache.IsLockedTTL(ctx, leaseLength, lockKeys)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sop.NewError(sop.SessionLost, nil, existingID.String())
	}
	return &Session{ID: existingID, key: key, duration: leaseLength, cache: cache}, nil
}

// Renew performs the read-and-conditional-renew spec.md §4.C requires before any lease
// holder's transaction becomes visible: if the lease has been stolen, it returns SessionLost
// and the caller must abort the transaction before any user work is committed.
func (s *Session) Renew(ctx context.Context) error {
	lockKeys := []*sop.LockKey{{Key: s.key, LockID: s.ID}}
	ok, err := s.cache.IsLockedTTL(ctx, s.duration, lockKeys)
	if err != nil {
		return err
	}
	if !ok {
		return sop.NewError(sop.SessionLost, nil, s.ID.String())
	}
	return nil
}

// CheckActive is a read-only probe reporting whether this session's lease is still held.
func (s *Session) CheckActive(ctx context.Context) (bool, error) {
	lockKeys := []*sop.LockKey{{Key: s.key, LockID: s.ID}}
	return s.cache.IsLocked(ctx, lockKeys)
}

// End releases this session's lease if it still owns it.
func (s *Session) End(ctx context.Context) error {
	lockKeys := []*sop.LockKey{{Key: s.key, LockID: s.ID}}
	return s.cache.Unlock(ctx, lockKeys)
}

// EndAny is the administrative unlock: it deletes the lease record unconditionally,
// regardless of who currently holds it.
func EndAny(ctx context.Context, cache sop.L2Cache, storeName, index string) error {
	key := cache.FormatLockKey(leaseKey(storeName, index))
	_, err := cache.Delete(ctx, []string{key})
	return err
}

// CheckActiveAny is a read-only probe for whether any lease is currently held for
// (storeName, index), usable without a Session handle (e.g. by the Orchestrator's
// State-Precondition Gate before deciding whether to Start or Join).
func CheckActiveAny(ctx context.Context, cache sop.L2Cache, storeName, index string) (bool, error) {
	key := cache.FormatLockKey(leaseKey(storeName, index))
	return cache.IsLockedByOthers(ctx, []string{key})
}
