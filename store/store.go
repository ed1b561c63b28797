// Package store defines the consumed interfaces the online index builder needs from a
// transactional, ordered key-value record store: opening a transaction, reading and
// scanning records by primary key, persisting index entries and the builder's own
// bookkeeping (lifecycle marker, Range Set boundaries, scanned counter), and committing.
// The builder never reaches into the store's internals; every interaction in this package
// is what spec.md §6 calls "Consumed interfaces from the record store".
package store

import (
	"context"
)

// IndexLifecycleState is the persisted lifecycle state of a secondary index.
type IndexLifecycleState int

const (
	// Disabled means the index exists in name only; neither reads nor writes maintain it.
	Disabled IndexLifecycleState = iota
	// WriteOnly means foreground writes maintain the index but readers must not consult it.
	WriteOnly
	// Readable means the index is complete and safe for queries.
	Readable
	// Corrupt means a build failed in a way that leaves the index's contents unreliable.
	Corrupt
)

// String renders the lifecycle state for logging.
func (s IndexLifecycleState) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case WriteOnly:
		return "WriteOnly"
	case Readable:
		return "Readable"
	case Corrupt:
		return "Corrupt"
	default:
		return "Unknown"
	}
}

// RecordType names a stored record's shape, used to scope scans to the record types an
// index's source (or source index, for By-Index builds) actually covers.
type RecordType string

// Record is a single row read from the store.
type Record struct {
	Key   any
	Type  RecordType
	Value any
}

// RecordIterator lazily yields records in primary-key order from a ScanRecords call.
type RecordIterator interface {
	// Next returns the next record, or ok=false when the sequence is exhausted.
	Next(ctx context.Context) (rec Record, ok bool, err error)
	// Close releases any resources held by the iterator. Safe to call multiple times.
	Close() error
}

// IndexEntry is one key/value pair previously written via Transaction.SaveIndexEntry.
type IndexEntry struct {
	Key   any
	Value []byte
}

// IndexEntryIterator lazily yields index entries in key order from a ScanIndexEntries call.
type IndexEntryIterator interface {
	Next(ctx context.Context) (entry IndexEntry, ok bool, err error)
	Close() error
}

// RangeBoundary is one persisted Range Set interval: built keys in [Lo, Hi).
// A nil Lo represents -infinity; a nil Hi represents +infinity.
type RangeBoundary struct {
	Lo any
	Hi any
}

// Priority hints the store's scheduler/throttler about how aggressively to run a
// transaction opened for index-build chunk work versus foreground traffic.
type Priority int

const (
	// NormalPriority competes with foreground traffic on equal footing.
	NormalPriority Priority = iota
	// BackgroundPriority asks the store to yield to foreground traffic under contention.
	BackgroundPriority
)

// Transaction is a single unit of work against the store: one build chunk, one lease
// operation, or one progress update. Every mutating method takes effect only once Commit
// succeeds; the Range Set is the checkpoint, so failed/rolled-back transactions leave no
// partial index data behind (spec.md §7 propagation policy).
type Transaction interface {
	// GetRecordByPrimaryKey fetches a single record, or ok=false if no record exists at k.
	GetRecordByPrimaryKey(ctx context.Context, k any) (rec Record, ok bool, err error)
	// PrimaryKeyBounds returns the minimum and maximum primary key currently present, or
	// empty=true if the store holds no records at all. Used by the By-Records strategy's
	// buildEndpoints to mark the key space below the store's current minimum key as built
	// without a full scan.
	PrimaryKeyBounds(ctx context.Context) (min, max any, empty bool, err error)
	// ScanRecords returns a lazy, primary-key-ordered sequence over [lo, hi), limited to at
	// most limit records and to the given record types (nil/empty means all types).
	ScanRecords(ctx context.Context, lo, hi any, limit int, recordTypes []RecordType) (RecordIterator, error)

	// SaveIndexEntry upserts one entry of the index under construction.
	SaveIndexEntry(ctx context.Context, index string, key any, value []byte) error
	// ScanIndexEntries returns a lazy, key-ordered sequence of previously saved entries for
	// index over [lo, hi), limited to at most limit entries (0 means no limit). The By-Index
	// strategy scans a readable source index's own entries this way, rather than the record
	// store's primary keys.
	ScanIndexEntries(ctx context.Context, index string, lo, hi any, limit int) (IndexEntryIterator, error)

	// SetIndexLifecycle transitions the index's persisted lifecycle marker and returns the
	// previous state, so callers can detect concurrent external changes (spec.md §4.G).
	SetIndexLifecycle(ctx context.Context, index string, state IndexLifecycleState) (previous IndexLifecycleState, err error)
	// GetIndexLifecycle reads the index's current lifecycle marker.
	GetIndexLifecycle(ctx context.Context, index string) (IndexLifecycleState, error)

	// ClearIndexData drops the index's entries, Range Set boundaries, and scanned counter —
	// the full reset a rebuild starts from.
	ClearIndexData(ctx context.Context, index string) error

	// PutRangeBoundary and DeleteRangeBoundary maintain the persisted Range Set under
	// <index>/range/. The Range Set package is the only caller; it owns coalescing.
	PutRangeBoundary(ctx context.Context, index string, b RangeBoundary) error
	DeleteRangeBoundary(ctx context.Context, index string, b RangeBoundary) error
	// ScanRangeBoundaries returns every persisted boundary pair for index, in no particular order.
	ScanRangeBoundaries(ctx context.Context, index string) ([]RangeBoundary, error)

	// AddScanned atomically adds delta to the index's scanned counter and returns the new total.
	AddScanned(ctx context.Context, index string, delta uint64) (uint64, error)
	// GetScanned reads the index's current scanned counter without modifying it.
	GetScanned(ctx context.Context, index string) (uint64, error)

	// Commit finalizes the transaction. On failure the error is one of the kinds in spec.md
	// §7 (Retriable-Same-Chunk, Retriable-Smaller-Chunk, SessionLost, etc.) via sop.ErrorCode.
	Commit(ctx context.Context) error
	// Rollback discards the transaction's writes. Safe to call after a failed Commit.
	Rollback(ctx context.Context) error
}

// Store opens transactions against the underlying record store.
type Store interface {
	OpenTransaction(ctx context.Context, priority Priority) (Transaction, error)
}
