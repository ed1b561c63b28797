// Package build defines the shared trait both build strategies implement. spec.md §9 calls
// for a tagged sum type here rather than a class hierarchy: the Orchestrator holds one
// concrete Strategy at a time in an interior slot and can swap it (By-Index falling back to
// By-Records) without any virtual dispatch machinery beyond this one interface.
package build

import (
	"context"

	"github.com/sharedcode/sop/rangeset"
	"github.com/sharedcode/sop/store"
)

// EntryFunc derives zero or one index entry from a scanned record. ok=false means the record
// does not contribute an entry to this index (e.g. it's an unrelated record type that the
// builder's type-resolution step pulled in as a synthetic-type dependency but which doesn't
// itself need indexing).
type EntryFunc func(rec store.Record) (entryKey any, entryValue []byte, ok bool)

// Strategy is the shared trait of the two build strategies.
type Strategy interface {
	// BuildEndpoints marks the key space below the scanned domain's current minimum key as
	// built and returns the remaining range, from that minimum to +infinity, to build.
	// done=true means the domain is empty and there is nothing to build at all.
	BuildEndpoints(ctx context.Context) (interior rangeset.Interval, done bool, err error)
	// BuildRange idempotently builds every still-missing subrange of [lo, hi).
	BuildRange(ctx context.Context, lo, hi any) error
	// RebuildIndex resets and rebuilds the index in a single transaction. Appropriate only
	// for stores small enough to fit under the configured transaction limits.
	RebuildIndex(ctx context.Context) error
}
