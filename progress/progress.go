// Package progress implements the Progress Tracker: a thin reader over the store's own
// monotonic scanned counter (store.Transaction.AddScanned/GetScanned), plus a logger that
// emits structured progress events at a configured cadence without serializing against the
// build itself. spec.md §4.D deliberately keeps the counter update inside the same
// transaction as each chunk's Range Set mutation so a probe never observes scanned advancing
// without a corresponding committed range, and never the reverse.
package progress

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/cache"
	"github.com/sharedcode/sop/store"
)

// Snapshot is a single point-in-time read of an index build's progress.
type Snapshot struct {
	Scanned uint64
	State   store.IndexLifecycleState
	// Percent is nil when the total record count isn't known, e.g. the builder hasn't been
	// given an estimate and the underlying store has no cheap way to report one.
	Percent *float64
}

// Read yields (scannedSoFar, lifecycleState, percentIfKnown) for index, per spec.md §4.D's
// reader API. approxTotalRecords, if > 0, is used to compute Percent; pass 0 when unknown.
func Read(ctx context.Context, s store.Store, index string, approxTotalRecords uint64) (Snapshot, error) {
	tx, err := s.OpenTransaction(ctx, store.BackgroundPriority)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	scanned, err := tx.GetScanned(ctx, index)
	if err != nil {
		return Snapshot{}, err
	}
	state, err := tx.GetIndexLifecycle(ctx, index)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Scanned: scanned, State: state}
	if approxTotalRecords > 0 {
		pct := float64(scanned) / float64(approxTotalRecords) * 100
		if pct > 100 {
			pct = 100
		}
		snap.Percent = &pct
	}
	return snap, nil
}

// Logger emits a structured slog event for an index build no more often than interval,
// tracking the last value logged per (store,index) in a small MRU cache so repeated calls at
// sub-interval cadence are cheap no-ops rather than redundant log lines. One Logger may be
// shared across an Orchestrator.BuildIndexes fan-out, where several indices build
// concurrently, so the dedup cache is the synchronized MRU variant, not the plain
// single-goroutine one. Sharing a Logger does not merge rate limits: each key is throttled
// on its own.
type Logger struct {
	interval time.Duration
	last     cache.Cache[string, time.Time]
}

// NewLogger returns a Logger that throttles emissions to at most one per interval per key.
// A non-positive interval disables logging entirely (Log becomes a no-op), matching
// sop.Configuration.ProgressLogIntervalMillis < 0.
func NewLogger(interval time.Duration) *Logger {
	return &Logger{
		interval: interval,
		last:     cache.NewSynchronizedCache[string, time.Time](16, 256),
	}
}

// Log emits a progress event for key (typically "<store>/<index>") if at least interval has
// elapsed since the last emission for that key, carrying chunkCount/effectiveChunkSize/
// lastError fields alongside the current Snapshot.
func (l *Logger) Log(key string, snap Snapshot, chunkCount, effectiveChunkSize int, lastErr error) {
	if l.interval <= 0 {
		return
	}
	now := sop.Now()
	if prev := l.last.Get([]string{key}); len(prev) == 1 && !prev[0].IsZero() {
		if now.Sub(prev[0]) < l.interval {
			return
		}
	}
	l.last.Set([]sop.KeyValuePair[string, time.Time]{{Key: key, Value: now}})

	args := []any{
		"key", key,
		"scanned", snap.Scanned,
		"state", snap.State.String(),
		"chunkCount", chunkCount,
		"effectiveChunkSize", effectiveChunkSize,
	}
	if snap.Percent != nil {
		args = append(args, "percent", *snap.Percent)
	}
	if lastErr != nil {
		args = append(args, "lastError", lastErr.Error())
		log.Warn("index build progress", args...)
		return
	}
	log.Info("index build progress", args...)
}
