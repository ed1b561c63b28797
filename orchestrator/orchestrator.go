// Package orchestrator owns the end-to-end buildIndex() operation: the Gate, the Session
// Lease, strategy selection and fallback, and the final Readable transition, per
// spec.md §4.H. It is deliberately thin — each concern it touches (gate, lease, throttle,
// the two build strategies) is a self-contained package; the Orchestrator's job is only to
// sequence them and own the Common value (Store, Cache, Config) the strategies borrow for
// the duration of one build, per spec.md §9's ownership guidance.
package orchestrator

import (
	"context"
	log "log/slog"

	"github.com/sharedcode/sop"
	"github.com/sharedcode/sop/build"
	"github.com/sharedcode/sop/build/byindex"
	"github.com/sharedcode/sop/build/byrecords"
	"github.com/sharedcode/sop/gate"
	"github.com/sharedcode/sop/lease"
	"github.com/sharedcode/sop/progress"
	"github.com/sharedcode/sop/store"
	"github.com/sharedcode/sop/throttle"
)

// SourceSpec configures the By-Index strategy's source index and its fallback policy,
// mirroring sop.IndexFromIndexPolicy but carrying the live callables a Configuration value
// alone can't express.
type SourceSpec struct {
	Index           string
	Types           []store.RecordType
	Lookup          byindex.SourceLookup
	AllowRecordScan bool
}

// IndexSpec is everything the Orchestrator needs to build one index.
type IndexSpec struct {
	Index       string
	RecordTypes []store.RecordType
	Derive      build.EntryFunc
	Cmp         func(a, b any) int
	// Source selects the By-Index strategy when non-nil; nil selects By-Records.
	Source *SourceSpec
}

// Orchestrator is the Common value the strategies borrow for one build: the store, the
// distributed cache backing the Session Lease, and the configuration surface.
type Orchestrator struct {
	Store     store.Store
	Cache     sop.L2Cache
	StoreName string
	Config    sop.Configuration

	// sharedLogger, when set by BuildIndexes, is reused across every index in the fan-out.
	// It still throttles each index separately, keyed by "<store>/<index>".
	sharedLogger *progress.Logger
}

// New returns an Orchestrator over s, coordinating cross-process exclusion through c.
func New(s store.Store, c sop.L2Cache, storeName string, cfg sop.Configuration) *Orchestrator {
	return &Orchestrator{Store: s, Cache: c, StoreName: storeName, Config: cfg}
}

func (o *Orchestrator) progressKey(index string) string {
	return o.StoreName + "/" + index
}

// BuildIndex runs the 8-step sequence of spec.md §4.H for one index.
func (o *Orchestrator) BuildIndex(ctx context.Context, spec IndexSpec) error {
	// 1. Resolve record types. Synthetic-type expansion belongs to the record store's own
	// schema catalog, outside this package's scope; callers supply the already-expanded base
	// types in spec.RecordTypes.
	types := spec.RecordTypes

	// 2. Evaluate the State-Precondition Gate.
	decision, err := gate.Evaluate(ctx, o.Store, spec.Index, o.Config.IndexStatePrecondition)
	if err != nil {
		return err
	}
	if decision.Action == gate.Skip {
		return nil
	}

	// 3. Acquire the Session Lease, unless running in the permissive mode.
	var session *lease.Session
	if o.Config.UseSynchronizedSession {
		session, err = lease.Start(ctx, o.Cache, o.StoreName, spec.Index, o.Config.LeaseLength())
		if err != nil {
			return err
		}
		defer session.End(ctx)
	} else {
		log.Warn("building index without a synchronized session; safety relies solely on the range set",
			"store", o.StoreName, "index", spec.Index)
	}

	runner := throttle.New(throttle.ConfigFromConfiguration(o.Config))
	logger := o.sharedLogger
	if logger == nil {
		logger = progress.NewLogger(o.Config.ProgressLogInterval())
	}
	chunkCount := 0
	runner.BeforeAttempt = func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		return session.Renew(ctx)
	}
	runner.AfterCommit = func(recordsInTxn int) {
		chunkCount++
		if !o.Config.TrackProgress {
			return
		}
		snap, err := progress.Read(ctx, o.Store, spec.Index, 0)
		if err != nil {
			return
		}
		logger.Log(o.progressKey(spec.Index), snap, chunkCount, runner.LEff(), nil)
	}

	// 4. Select the strategy.
	strat, source := o.selectStrategy(spec, types, runner)

	// 5-6. buildEndpoints, then the missingRanges/buildRange loop.
	buildErr := o.runStrategy(ctx, strat)

	// 7. By-Index validation failure with allowRecordScan converts to a By-Records retry.
	if buildErr != nil && source != nil && sop.CodeOf(buildErr) == sop.ValidationFailure {
		if !source.AllowRecordScan {
			return buildErr
		}
		log.Warn("by-index pre-flight failed, falling back to by-records",
			"store", o.StoreName, "index", spec.Index, "cause", buildErr)
		fallback := byrecords.New(o.Store, spec.Index, types, spec.Derive, spec.Cmp, runner)
		buildErr = o.runStrategy(ctx, fallback)
	}
	if buildErr != nil {
		return buildErr
	}

	// 8. Transition to Readable in one transaction.
	tx, err := o.Store.OpenTransaction(ctx, store.NormalPriority)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.SetIndexLifecycle(ctx, spec.Index, store.Readable); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (o *Orchestrator) selectStrategy(spec IndexSpec, types []store.RecordType, runner *throttle.Runner) (build.Strategy, *SourceSpec) {
	if spec.Source != nil {
		s := byindex.New(o.Store, spec.Index, spec.Source.Index, types, spec.Source.Types,
			spec.Derive, spec.Source.Lookup, spec.Cmp, runner, spec.Source.AllowRecordScan)
		return s, spec.Source
	}
	return byrecords.New(o.Store, spec.Index, types, spec.Derive, spec.Cmp, runner), nil
}

func (o *Orchestrator) runStrategy(ctx context.Context, strat build.Strategy) error {
	if bi, ok := strat.(*byindex.Strategy); ok {
		if err := bi.Validate(ctx); err != nil {
			return err
		}
	}
	interior, done, err := strat.BuildEndpoints(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return strat.BuildRange(ctx, interior.Lo, interior.Hi)
}

// BuildIndexes fans a batch of independent index builds out across up to maxConcurrency
// concurrent workers using sop.TaskRunner. Each individual build remains single-threaded
// internally, per spec.md §5's cooperative scheduling model; only the across-index
// parallelism is new.
func (o *Orchestrator) BuildIndexes(ctx context.Context, specs []IndexSpec, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if o.sharedLogger == nil {
		o.sharedLogger = progress.NewLogger(o.Config.ProgressLogInterval())
	}
	tr := sop.NewTaskRunner(ctx, maxConcurrency)
	for _, spec := range specs {
		spec := spec
		tr.Go(func() error {
			return o.BuildIndex(tr.GetContext(), spec)
		})
	}
	return tr.Wait()
}

// StopOngoingBuild is stopOngoingOnlineIndexBuilds from spec.md §5: it administratively
// deletes the Session Lease so the current holder's next pre-chunk renewal aborts with
// SessionLost without writing partial index data beyond its already-committed chunks.
func (o *Orchestrator) StopOngoingBuild(ctx context.Context, index string) error {
	return lease.EndAny(ctx, o.Cache, o.StoreName, index)
}
