package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sharedcode/sop"
)

// Options configures the Redis connection backing a RedisL2Cache.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
}

// GetDefaultDuration returns the configured default TTL as a time.Duration.
func (opt *Options) GetDefaultDuration() time.Duration {
	return time.Duration(opt.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns sane defaults for connecting to a local Redis instance.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		Password:                 "",
		DB:                       0,
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

// RedisL2Cache implements sop.L2Cache against a single Redis instance, using SETNX-then-
// verify for lock acquisition since go-redis' SetNX already gives us atomicity per key;
// multi-key locks are acquired one key at a time in sorted order and rolled back on conflict.
type RedisL2Cache struct {
	client  *redis.Client
	options Options
	startedAt time.Time
}

// NewRedisL2Cache connects to Redis per options and returns it as a sop.L2Cache.
func NewRedisL2Cache(options Options) sop.L2Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &RedisL2Cache{client: client, options: options, startedAt: time.Now()}
}

func (c *RedisL2Cache) GetType() sop.L2CacheType {
	return sop.Redis
}

func (c *RedisL2Cache) resolveExpiration(expiration time.Duration) time.Duration {
	if expiration < 0 {
		return c.options.GetDefaultDuration()
	}
	return expiration
}

func (c *RedisL2Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, c.resolveExpiration(expiration)).Err()
}

func (c *RedisL2Cache) Get(ctx context.Context, key string) (bool, string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v, nil
}

func (c *RedisL2Cache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	v, err := c.client.GetEx(ctx, key, c.resolveExpiration(expiration)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v, nil
}

func (c *RedisL2Cache) IsRestarted(ctx context.Context) bool {
	info, err := c.client.Info(ctx, "server").Result()
	if err != nil {
		return false
	}
	// Redis uptime resetting below our own process lifetime means the server restarted
	// underneath us, which invalidates any lock state we believe we hold.
	var uptime int64
	i := strings.Index(info, "uptime_in_seconds:")
	if i < 0 {
		return false
	}
	if _, err := fmt.Sscanf(info[i:], "uptime_in_seconds:%d", &uptime); err == nil {
		return time.Duration(uptime)*time.Second < time.Since(c.startedAt)
	}
	return false
}

func (c *RedisL2Cache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.resolveExpiration(expiration)).Err()
}

func (c *RedisL2Cache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	s, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(s), target)
}

func (c *RedisL2Cache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	s, err := c.client.GetEx(ctx, key, c.resolveExpiration(expiration)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(s), target)
}

func (c *RedisL2Cache) Delete(ctx context.Context, keys []string) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	return n > 0, err
}

func (c *RedisL2Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisL2Cache) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

func (c *RedisL2Cache) Info(ctx context.Context, section string) (string, error) {
	return c.client.Info(ctx, section).Result()
}

func (c *RedisL2Cache) FormatLockKey(k string) string {
	return fmt.Sprintf("lock:%s", k)
}

func (c *RedisL2Cache) CreateLockKeys(keys []string) []*sop.LockKey {
	locks := make([]*sop.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &sop.LockKey{Key: c.FormatLockKey(k), LockID: sop.NewUUID()}
	}
	return locks
}

func (c *RedisL2Cache) CreateLockKeysForIDs(keys []sop.Tuple[string, sop.UUID]) []*sop.LockKey {
	locks := make([]*sop.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &sop.LockKey{Key: c.FormatLockKey(fmt.Sprintf("%s:%v", k.First, k.Second)), LockID: sop.NewUUID()}
	}
	return locks
}

func (c *RedisL2Cache) IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*sop.LockKey) (bool, error) {
	for _, lk := range lockKeys {
		v, err := c.client.Get(ctx, lk.Key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if v != lk.LockID.String() {
			return false, nil
		}
	}
	for _, lk := range lockKeys {
		if err := c.client.Expire(ctx, lk.Key, duration).Err(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Lock acquires every key via SETNX, sorted to avoid cross-process deadlock on overlapping
// key sets. On conflict it reports the conflicting holder's LockID and rolls back any keys
// it already acquired in this call.
func (c *RedisL2Cache) Lock(ctx context.Context, duration time.Duration, lockKeys []*sop.LockKey) (bool, sop.UUID, error) {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	sort.Slice(lockKeys, func(i, j int) bool { return lockKeys[i].Key < lockKeys[j].Key })

	acquired := make([]*sop.LockKey, 0, len(lockKeys))
	for _, lk := range lockKeys {
		ok, err := c.client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
		if err != nil {
			c.rollback(ctx, acquired)
			return false, sop.NilUUID, err
		}
		if ok {
			lk.IsLockOwner = true
			acquired = append(acquired, lk)
			continue
		}

		existing, err := c.client.Get(ctx, lk.Key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.rollback(ctx, acquired)
			return false, sop.NilUUID, err
		}
		if existing == lk.LockID.String() {
			lk.IsLockOwner = true
			continue
		}

		c.rollback(ctx, acquired)
		holder, _ := sop.ParseUUID(existing)
		return false, holder, nil
	}
	return true, sop.NilUUID, nil
}

func (c *RedisL2Cache) rollback(ctx context.Context, acquired []*sop.LockKey) {
	for _, lk := range acquired {
		c.client.Eval(ctx, unlockIfOwnedScript, []string{lk.Key}, lk.LockID.String())
		lk.IsLockOwner = false
	}
}

// DualLock is Lock against this single Redis target. Deployments wanting failover coverage
// should wrap two RedisL2Cache instances rather than extend this type.
func (c *RedisL2Cache) DualLock(ctx context.Context, duration time.Duration, lockKeys []*sop.LockKey) (bool, sop.UUID, error) {
	return c.Lock(ctx, duration, lockKeys)
}

func (c *RedisL2Cache) IsLocked(ctx context.Context, lockKeys []*sop.LockKey) (bool, error) {
	for _, lk := range lockKeys {
		v, err := c.client.Get(ctx, lk.Key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if v != lk.LockID.String() {
			return false, nil
		}
	}
	return true, nil
}

func (c *RedisL2Cache) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	for _, key := range lockKeyNames {
		n, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// unlockIfOwnedScript deletes key only if its value still matches the caller's lock id,
// avoiding a race where the lease expired and another process already reacquired it.
const unlockIfOwnedScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func (c *RedisL2Cache) Unlock(ctx context.Context, lockKeys []*sop.LockKey) error {
	for _, lk := range lockKeys {
		if err := c.client.Eval(ctx, unlockIfOwnedScript, []string{lk.Key}, lk.LockID.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	return nil
}

func init() {
	sop.RegisterL2CacheFactory(sop.Redis, func() sop.L2Cache {
		return NewRedisL2Cache(DefaultOptions())
	})
}
