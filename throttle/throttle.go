// Package throttle implements the Throttled Runner: the adaptive retry loop that drives one
// chunk operation per store transaction, shrinking the chunk size on storage-side pressure
// and pacing commits to a target records-per-second rate. It is the single unified retry
// loop spec.md §9 calls for — both the store's own retriable-transaction errors and the
// builder's chunk-shrinking errors are classified through the one sop.ErrorCode taxonomy and
// handled here, rather than being two separate overlaid loops.
package throttle

import (
	"context"
	log "log/slog"
	"math/rand"
	"time"

	"github.com/sharedcode/sop"
)

// Config holds the Throttled Runner's tunables, all runtime-mutable between attempts.
type Config struct {
	// MaxRecordsPerTxn (L) bounds the chunk size a single attempt may process.
	MaxRecordsPerTxn int
	// MaxWriteBytesPerTxn (W) bounds cumulative write bytes per attempt.
	MaxWriteBytesPerTxn int
	// MaxRetries (R) caps attempts before surfacing MaxRetriesExceeded.
	MaxRetries int
	// RecordsPerSecond (RPS) paces successful commits.
	RecordsPerSecond int
	// IncreaseLimitAfter (I) restores L_eff toward L after this many consecutive successes.
	// Zero or negative means never increase.
	IncreaseLimitAfter int

	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the configuration surface's documented Throttled Runner defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecordsPerTxn:    100,
		MaxWriteBytesPerTxn: 900000,
		MaxRetries:          100,
		RecordsPerSecond:    10000,
		IncreaseLimitAfter:  -1,
		InitialDelay:        2 * time.Millisecond,
		MaxDelay:            2 * time.Second,
	}
}

// ConfigFromConfiguration derives a throttle.Config from the configuration surface.
func ConfigFromConfiguration(c sop.Configuration) Config {
	cfg := DefaultConfig()
	cfg.MaxRecordsPerTxn = c.MaxLimit
	cfg.MaxWriteBytesPerTxn = c.MaxWriteLimitBytes
	cfg.MaxRetries = c.MaxRetries
	cfg.RecordsPerSecond = c.RecordsPerSecond
	cfg.IncreaseLimitAfter = c.IncreaseLimitAfter
	return cfg
}

// Attempt carries the per-attempt effective limits a chunk operation must respect.
type Attempt struct {
	// LEff is the effective record-count ceiling for this attempt; 1 <= LEff <= L.
	LEff int
	// MaxWriteBytes mirrors Config.MaxWriteBytesPerTxn, passed through for convenience.
	MaxWriteBytes int
}

// ChunkFunc runs one chunk of work within an attempt's budget and reports how many records
// it actually processed (recordsInTxn), for rate pacing. It must terminate early once it
// would exceed the attempt's LEff or MaxWriteBytes.
type ChunkFunc func(ctx context.Context, attempt Attempt) (recordsInTxn int, err error)

// Runner executes a ChunkFunc with adaptive chunk-size shrinking, exponential backoff with
// jitter, and RPS-based pacing after success. One Runner is owned by one build strategy and
// reused across every chunk in a build session so that LEff and the success streak persist
// across chunks, per spec.md §4.B's chunk-size invariants.
type Runner struct {
	cfg    Config
	lEff   int
	streak int
	rand   *rand.Rand

	// BeforeAttempt, if set, runs before every attempt (including retries). The orchestrator
	// uses this to renew the Session Lease between chunks: a non-nil error aborts Run
	// immediately and is returned unchanged, bypassing retry classification entirely, since a
	// lost lease is never something the chunk-shrinking loop should interpret as a storage
	// error.
	BeforeAttempt func(ctx context.Context) error
	// AfterCommit, if set, runs after every committed chunk (recordsInTxn may be 0). The
	// orchestrator uses this for progress-event logging at chunk granularity.
	AfterCommit func(recordsInTxn int)
}

// New returns a Runner starting at the configured maximum chunk size.
func New(cfg Config) *Runner {
	return &Runner{
		cfg:  cfg,
		lEff: cfg.MaxRecordsPerTxn,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LEff returns the runner's current effective chunk size.
func (r *Runner) LEff() int {
	return r.lEff
}

// Run drives f to completion within MaxRetries attempts, implementing the per-attempt
// algorithm in spec.md §4.B: try, classify failure, shrink-or-retry-or-propagate, and on
// success advance the success streak, optionally grow LEff, and pace to RPS.
func (r *Runner) Run(ctx context.Context, f ChunkFunc) error {
	for attemptNum := 0; attemptNum < r.cfg.MaxRetries; attemptNum++ {
		if r.BeforeAttempt != nil {
			if err := r.BeforeAttempt(ctx); err != nil {
				return err
			}
		}
		start := time.Now()
		recordsInTxn, err := f(ctx, Attempt{LEff: r.lEff, MaxWriteBytes: r.cfg.MaxWriteBytesPerTxn})
		if err == nil {
			r.onSuccess()
			r.pace(ctx, recordsInTxn, time.Since(start))
			if r.AfterCommit != nil {
				r.AfterCommit(recordsInTxn)
			}
			return nil
		}

		if sop.CodeOf(err) == sop.RangeAlreadyBuilt {
			// Locally recovered by the caller (buildRange re-consults missingRanges); not a
			// failure of this attempt.
			return err
		}

		if sop.ShouldShrinkChunk(err) {
			r.shrink(err)
			r.backoff(ctx, attemptNum)
			continue
		}
		if sop.IsRetriable(err) {
			r.backoff(ctx, attemptNum)
			continue
		}

		// Non-retriable: propagate unchanged, no further attempts.
		return err
	}
	return sop.NewError(sop.MaxRetriesExceeded, nil, r.cfg.MaxRetries)
}

func (r *Runner) onSuccess() {
	r.streak++
	if r.cfg.IncreaseLimitAfter > 0 && r.streak%r.cfg.IncreaseLimitAfter == 0 && r.lEff < r.cfg.MaxRecordsPerTxn {
		r.lEff++
		log.Debug("throttle: increasing chunk size", "lEff", r.lEff, "streak", r.streak)
	}
}

func (r *Runner) shrink(cause error) {
	r.streak = 0
	prev := r.lEff
	r.lEff = r.lEff / 2
	if r.lEff < 1 {
		r.lEff = 1
	}
	log.Warn("throttle: shrinking chunk size", "from", prev, "to", r.lEff, "cause", cause)
}

// backoff sleeps for an exponentially growing, jittered delay capped at MaxDelay.
func (r *Runner) backoff(ctx context.Context, attemptNum int) {
	delay := r.cfg.InitialDelay << uint(attemptNum)
	if delay <= 0 || delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	jittered := time.Duration(r.rand.Int63n(int64(delay) + 1))
	sop.Sleep(ctx, jittered)
}

// pace sleeps so that, averaged over this commit, throughput does not exceed RecordsPerSecond.
func (r *Runner) pace(ctx context.Context, recordsInTxn int, elapsed time.Duration) {
	if r.cfg.RecordsPerSecond <= 0 || recordsInTxn <= 0 {
		return
	}
	target := time.Duration(float64(recordsInTxn) / float64(r.cfg.RecordsPerSecond) * float64(time.Second))
	if target > elapsed {
		sop.Sleep(ctx, target-elapsed)
	}
}
