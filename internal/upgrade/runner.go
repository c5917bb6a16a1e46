package upgrade

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
	"github.com/lakeops/iceberg-v3-upgrade/internal/notify"
)

// Lister enumerates tables in a database for --all resolution.
type Lister interface {
	ListTableStates(ctx context.Context, database string) iter.Seq2[*catalog.TableState, error]
}

// Runner applies the orchestrator across a batch of tables. Processing is
// deliberately sequential: full rewrites are heavy on the shared cluster and
// running several at once starves its memory and disk.
type Runner struct {
	orch     *Orchestrator
	notifier *notify.Notifier
}

// NewRunner creates a batch runner.
func NewRunner(orch *Orchestrator, notifier *notify.Notifier) *Runner {
	return &Runner{orch: orch, notifier: notifier}
}

// ResolveAll selects every Iceberg table in a database via the catalog. The
// orchestrator re-reads each table before acting, so V3 tables resolved here
// are still correctly skipped (or repaired) at processing time.
func ResolveAll(ctx context.Context, lister Lister, database string) ([]catalog.TableRef, error) {
	var refs []catalog.TableRef
	for state, err := range lister.ListTableStates(ctx, database) {
		if err != nil {
			return nil, err
		}
		if state.IsIceberg {
			refs = append(refs, state.Ref)
		}
	}
	return refs, nil
}

// Run processes the batch in order and returns the report. A failure on one
// table never aborts the batch; cancellation is honored between tables only.
func (r *Runner) Run(ctx context.Context, refs []catalog.TableRef, dryRun bool) (*Report, error) {
	runID := uuid.New().String()[:8]
	start := time.Now()
	report := &Report{}

	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	logging.Info("Starting upgrade run %s: %d tables%s", runID, len(refs), mode)
	if !dryRun && len(refs) > 0 {
		r.notifier.BatchStarted(runID, refs[0].Database, len(refs))
	}

	var bar *progressbar.ProgressBar
	if len(refs) > 1 && !logging.IsDebug() {
		bar = progressbar.NewOptions(len(refs),
			progressbar.OptionSetDescription("Upgrading"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			// Interrupted between tables; everything processed so far stays
			// in the report, the rest is simply not attempted.
			logging.Warn("Run %s interrupted after %d of %d tables", runID, i, len(refs))
			r.finish(runID, report, start, dryRun)
			return report, fmt.Errorf("upgrade run interrupted: %w", err)
		}

		entry := r.orch.UpgradeTable(ctx, ref, dryRun)
		report.Add(entry)
		if bar != nil {
			bar.Add(1)
		}
		logging.Print("%s\n", entry.Line())
	}

	if bar != nil {
		bar.Finish()
		logging.Println()
	}

	r.finish(runID, report, start, dryRun)
	return report, nil
}

func (r *Runner) finish(runID string, report *Report, start time.Time, dryRun bool) {
	duration := time.Since(start)
	logging.Print("\n%s\n", report.Summary())

	if dryRun {
		return
	}
	if report.Failed() > 0 {
		r.notifier.BatchFailed(runID, report.Summary(), duration)
	} else {
		r.notifier.BatchCompleted(runID, duration, report.Succeeded(), report.Skipped())
	}
}
