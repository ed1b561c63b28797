// Package gate implements the State-Precondition Gate: the decision, evaluated once at
// start-of-build, of whether to proceed, resume, clear-and-rebuild, or refuse outright based
// on the index's persisted lifecycle state and the configured precondition policy, per
// spec.md §4.G.
package gate

import (
	"context"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/store"
)

// Action is the Gate's verdict.
type Action int

const (
	// Skip means the build must not proceed: either the index is already Readable, or
	// another worker already has it WriteOnly under a policy that leaves concurrent builds
	// alone.
	Skip Action = iota
	// Resume means proceed without clearing anything: an in-progress WriteOnly build should
	// continue from its existing Range Set.
	Resume
	// Rebuild means the index has been transitioned to WriteOnly and its prior entries and
	// Range Set cleared inside this call; the build proceeds from scratch.
	Rebuild
)

// Decision is the Gate's outcome for one buildIndex() invocation.
type Decision struct {
	Action Action
	// Err is non-nil only when the precondition itself forbids building (ErrorIfDisabled…
	// with a Disabled index): the caller must surface it unchanged and not proceed.
	Err error
}

// Evaluate opens its own transaction to read and, where the decision requires it, mutate the
// index's lifecycle marker and clear its data, implementing the full decision table in
// spec.md §4.G in one atomic step so no other worker can observe an intermediate state.
func Evaluate(ctx context.Context, s store.Store, index string, precondition sop.IndexStatePrecondition) (Decision, error) {
	tx, err := s.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback(ctx)

	current, err := tx.GetIndexLifecycle(ctx, index)
	if err != nil {
		return Decision{}, err
	}

	if current == store.Readable && precondition != sop.ForceBuild {
		return Decision{Action: Skip}, nil
	}

	var action Action
	switch precondition {
	case sop.BuildIfDisabled:
		if current == store.WriteOnly {
			return Decision{Action: Skip}, nil
		}
		action = Rebuild
	case sop.BuildIfDisabledContinueIfWriteOnly:
		if current == store.WriteOnly {
			return Decision{Action: Resume}, nil
		}
		action = Rebuild
	case sop.BuildIfDisabledRebuildIfWriteOnly:
		action = Rebuild
	case sop.ForceBuild:
		action = Rebuild
	case sop.ErrorIfDisabledContinueIfWriteOnly:
		if current == store.WriteOnly {
			return Decision{Action: Resume}, nil
		}
		return Decision{}, sop.NewError(sop.StateMismatch, nil, "index is Disabled")
	default:
		return Decision{}, sop.NewError(sop.StateMismatch, nil, "unrecognized index state precondition")
	}

	if action == Rebuild {
		if current != store.Disabled {
			if err := tx.ClearIndexData(ctx, index); err != nil {
				return Decision{}, err
			}
		}
		if _, err := tx.SetIndexLifecycle(ctx, index, store.WriteOnly); err != nil {
			return Decision{}, err
		}
		if current == store.Disabled {
			if err := tx.ClearIndexData(ctx, index); err != nil {
				return Decision{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{Action: action}, nil
}
