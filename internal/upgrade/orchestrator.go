// Package upgrade sequences the V2-to-V3 migration of individual tables and
// runs batches of them against a shared EMR cluster.
package upgrade

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/emr"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
	"github.com/lakeops/iceberg-v3-upgrade/internal/metadata"
)

// Inspector reads fresh table state from the catalog.
type Inspector interface {
	GetTableState(ctx context.Context, ref catalog.TableRef) (*catalog.TableState, error)
}

// Repairer detects and fixes the missing next-row-id corruption.
type Repairer interface {
	Check(ctx context.Context, state *catalog.TableState) (bool, error)
	Repair(ctx context.Context, state *catalog.TableState) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	CatalogName      string
	RetryAttempts    int
	StatementTimeout time.Duration
}

// Orchestrator drives one table at a time through the upgrade state machine:
// inspect, optionally repair, alter, confirm, compact, verify. Catalog state
// is re-read before every irreversible step because the catalog is externally
// mutable; the last read is never trusted across steps.
type Orchestrator struct {
	inspector Inspector
	session   emr.Runner
	repairer  Repairer
	opts      Options
}

// New creates an Orchestrator.
func New(inspector Inspector, session emr.Runner, repairer Repairer, opts Options) *Orchestrator {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.StatementTimeout == 0 {
		opts.StatementTimeout = time.Hour
	}
	return &Orchestrator{
		inspector: inspector,
		session:   session,
		repairer:  repairer,
		opts:      opts,
	}
}

// UpgradeTable runs the state machine for one table and returns its report
// entry. All failures are converted into the entry; nothing propagates.
func (o *Orchestrator) UpgradeTable(ctx context.Context, ref catalog.TableRef, dryRun bool) Entry {
	state, err := o.inspector.GetTableState(ctx, ref)
	if err != nil {
		return failEntry(ref, "", inspectReason(err), err)
	}

	logging.Info("%s: location=%s table_type_iceberg=%v format-version=%d",
		ref, state.Location, state.IsIceberg, state.FormatVersion)

	if !state.IsIceberg {
		// Not an error: the table simply is not ours to touch.
		return Entry{Ref: ref, Action: ActionSkipNotIceberg, Outcome: OutcomeSkipped}
	}

	if state.FormatVersion >= 3 {
		// Already V3 is not sufficient evidence of health: an incompatible
		// engine may have upgraded it and dropped the required row-id field.
		corrupt, err := o.repairer.Check(ctx, state)
		if err != nil {
			return failEntry(ref, "", repairReason(err), err)
		}
		if !corrupt {
			return Entry{Ref: ref, Action: ActionSkipAlreadyV3, Outcome: OutcomeSkipped}
		}
		return o.repairThenCompact(ctx, state, dryRun)
	}

	return o.upgradeAndCompact(ctx, ref, dryRun)
}

func (o *Orchestrator) upgradeAndCompact(ctx context.Context, ref catalog.TableRef, dryRun bool) Entry {
	const action = ActionUpgradeAndCompact
	if dryRun {
		logging.Info("[DRY RUN] %s: would execute %q then %q",
			ref, alterStatement(o.opts.CatalogName, ref), compactStatement(o.opts.CatalogName, ref))
		return Entry{Ref: ref, Action: action, Outcome: OutcomeDryRunPlanned}
	}

	logging.Info("%s: setting format-version to 3", ref)
	if _, err := o.runStatement(ctx, alterStatement(o.opts.CatalogName, ref)); err != nil {
		return failEntry(ref, action, statementReason(err, ReasonAlterRejected), err)
	}

	// The ALTER went through Spark, not the catalog directly; confirm the
	// catalog reflects it before committing to the rewrite.
	state, err := o.inspector.GetTableState(ctx, ref)
	if err != nil {
		return failEntry(ref, action, inspectReason(err), err)
	}
	if state.FormatVersion != 3 {
		err := errors.New("catalog still reports format-version " + strconv.Itoa(state.FormatVersion) + " after ALTER")
		return failEntry(ref, action, ReasonAlterNotReflected, err)
	}

	return o.compactAndVerify(ctx, ref, action)
}

func (o *Orchestrator) repairThenCompact(ctx context.Context, state *catalog.TableState, dryRun bool) Entry {
	const action = ActionRepairThenCompact
	ref := state.Ref
	if dryRun {
		logging.Info("[DRY RUN] %s: would repair metadata then execute %q",
			ref, compactStatement(o.opts.CatalogName, ref))
		return Entry{Ref: ref, Action: action, Outcome: OutcomeDryRunPlanned}
	}

	logging.Info("%s: repairing metadata document %s", ref, state.MetadataLocation)
	if _, err := o.repairer.Repair(ctx, state); err != nil {
		if errors.Is(err, metadata.ErrPointerSwapConflict) {
			// A concurrent writer moved the pointer; re-read and retry once.
			logging.Warn("%s: metadata pointer moved during repair, retrying with fresh state", ref)
			fresh, rerr := o.inspector.GetTableState(ctx, ref)
			if rerr != nil {
				return failEntry(ref, action, inspectReason(rerr), rerr)
			}
			corrupt, cerr := o.repairer.Check(ctx, fresh)
			if cerr != nil {
				return failEntry(ref, action, repairReason(cerr), cerr)
			}
			if corrupt {
				if _, err := o.repairer.Repair(ctx, fresh); err != nil {
					return failEntry(ref, action, repairReason(err), err)
				}
			}
			// A concurrent writer that produced healthy metadata did the
			// repair for us; either way the table is fit to compact.
		} else {
			return failEntry(ref, action, repairReason(err), err)
		}
	}

	// Version is already 3; only the data files need rewriting.
	return o.compactAndVerify(ctx, ref, action)
}

func (o *Orchestrator) compactAndVerify(ctx context.Context, ref catalog.TableRef, action Action) Entry {
	logging.Info("%s: rewriting data files to drop delete files", ref)
	res, err := o.runStatement(ctx, compactStatement(o.opts.CatalogName, ref))
	if err != nil {
		return failEntry(ref, action, statementReason(err, ReasonCompactionFailed), err)
	}
	logging.Debug("%s: compaction finished in %v", ref, res.Duration)

	state, err := o.inspector.GetTableState(ctx, ref)
	if err != nil {
		return failEntry(ref, action, inspectReason(err), err)
	}
	if state.FormatVersion != 3 {
		err := errors.New("catalog reports format-version " + strconv.Itoa(state.FormatVersion) + " after upgrade")
		return failEntry(ref, action, ReasonVerifyFailed, err)
	}

	return Entry{Ref: ref, Action: action, Outcome: OutcomeSucceeded}
}

// runStatement executes one remote statement, retrying connection failures
// with bounded exponential backoff. Statement and auth failures are fatal
// immediately; both statements are idempotent so re-sending is safe.
func (o *Orchestrator) runStatement(ctx context.Context, stmt string) (emr.Result, error) {
	var lastErr error
	for attempt := 0; attempt < o.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logging.Warn("Retry %d/%d after %v (error: %v)", attempt, o.opts.RetryAttempts-1, backoff, lastErr)
			select {
			case <-ctx.Done():
				return emr.Result{}, &emr.ConnectionError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		res, err := o.session.Run(ctx, stmt, o.opts.StatementTimeout)
		if err == nil {
			return res, nil
		}

		var connErr *emr.ConnectionError
		if !errors.As(err, &connErr) {
			return res, err
		}
		lastErr = err
	}
	return emr.Result{}, lastErr
}

func failEntry(ref catalog.TableRef, action Action, reason Reason, err error) Entry {
	return Entry{
		Ref:     ref,
		Action:  action,
		Outcome: OutcomeFailed,
		Reason:  reason,
		Error:   err.Error(),
	}
}

func inspectReason(err error) Reason {
	switch {
	case errors.Is(err, catalog.ErrTableNotFound):
		return ReasonTableNotFound
	case errors.Is(err, catalog.ErrPermissionDenied):
		return ReasonPermissionDenied
	default:
		return ReasonCatalogError
	}
}

func statementReason(err error, rejected Reason) Reason {
	var connErr *emr.ConnectionError
	var authErr *emr.AuthError
	switch {
	case errors.As(err, &connErr):
		return ReasonClusterUnavailable
	case errors.As(err, &authErr):
		return ReasonAuthenticationFailed
	default:
		return rejected
	}
}

func repairReason(err error) Reason {
	var unsupported *metadata.UnsupportedCorruptionError
	if errors.As(err, &unsupported) {
		return ReasonUnsupportedCorruption
	}
	return ReasonRepairFailed
}

