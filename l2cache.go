package sop

import (
	"context"
	"fmt"
	"time"
)

// L2CacheType identifies the backing technology of an L2Cache implementation.
type L2CacheType int

const (
	// InMemory is a process-local L2Cache, useful for tests and single-node deployments.
	InMemory L2CacheType = iota
	// Redis is a Redis-backed, cross-process L2Cache.
	Redis
)

// LockKey identifies one distributed lock attempt: the formatted cache key to lock,
// the caller's lock identity, and whether this process currently owns it.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// L2Cache is the distributed, cross-process cache and locking primitive that the Session
// Lease (package lease) builds on. Distinct from the
// in-process MRU Cache[TK,TV] in package cache, an L2Cache is shared by every worker in the
// fleet, which is what lets Lock/Unlock implement mutual exclusion across machines.
type L2Cache interface {
	GetType() L2CacheType

	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get's first return value reports whether the key was found.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx behaves like Get but also slides the key's expiration forward.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)

	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error)

	Delete(ctx context.Context, keys []string) (bool, error)
	Ping(ctx context.Context) error
	Clear(ctx context.Context) error
	Info(ctx context.Context, section string) (string, error)
	// IsRestarted reports whether the backing cache process appears to have restarted
	// since it was last observed, which invalidates any locks this process believed it held.
	IsRestarted(ctx context.Context) bool

	FormatLockKey(k string) string
	CreateLockKeys(keys []string) []*LockKey
	CreateLockKeysForIDs(keys []Tuple[string, UUID]) []*LockKey

	// IsLockedTTL reports whether every key is currently held by its LockID and, if so,
	// renews each key's TTL to duration in the same pass.
	IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error)
	// Lock attempts to atomically acquire every key. On partial failure, any keys this
	// call acquired are rolled back before returning. The returned UUID is the conflicting
	// holder's lock id when acquisition fails, or NilUUID on success.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// DualLock is Lock performed against both a primary and a shadow target in backends
	// that replicate the lock for failover; single-target implementations may alias Lock.
	DualLock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error)
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}

// L2CacheFactory creates a new L2Cache instance.
type L2CacheFactory func() L2Cache

var l2CacheFactories = make(map[L2CacheType]L2CacheFactory)

// RegisterL2CacheFactory registers the constructor used by NewL2Cache for a given cache type.
// Concrete backends (e.g. cache.NewL2InMemoryCache, cache.NewRedisL2Cache) call this from an
// init() function so that selecting a backend never requires this package to import them.
func RegisterL2CacheFactory(t L2CacheType, f L2CacheFactory) {
	l2CacheFactories[t] = f
}

// NewL2Cache constructs the registered L2Cache for t, or an error if no backend registered itself.
func NewL2Cache(t L2CacheType) (L2Cache, error) {
	f, ok := l2CacheFactories[t]
	if !ok {
		return nil, fmt.Errorf("no L2Cache backend registered for type %d", t)
	}
	return f(), nil
}
