package upgrade

import (
	"fmt"
	"strings"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
)

// Entry is one table's final report line. Immutable once emitted.
type Entry struct {
	Ref     catalog.TableRef `json:"table"`
	Action  Action           `json:"action,omitempty"`
	Outcome Outcome          `json:"outcome"`
	Reason  Reason           `json:"reason,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Line renders the entry as a single report line.
func (e Entry) Line() string {
	switch e.Outcome {
	case OutcomeFailed:
		return fmt.Sprintf("[FAIL] %s %s (%s): %s", e.Ref, e.Outcome, e.Reason, e.Error)
	case OutcomeDryRunPlanned:
		return fmt.Sprintf("[PLAN] %s would run %s", e.Ref, e.Action)
	case OutcomeSkipped:
		return fmt.Sprintf("[SKIP] %s %s", e.Ref, e.Action)
	default:
		return fmt.Sprintf("[ OK ] %s %s", e.Ref, e.Action)
	}
}

// Report aggregates per-table outcomes in processing order.
type Report struct {
	Entries []Entry `json:"entries"`
}

// Add appends an entry.
func (r *Report) Add(e Entry) {
	r.Entries = append(r.Entries, e)
}

// Succeeded counts tables that completed the upgrade.
func (r *Report) Succeeded() int { return r.count(OutcomeSucceeded) }

// Skipped counts tables that needed no work.
func (r *Report) Skipped() int { return r.count(OutcomeSkipped) }

// Failed counts tables that terminated in failure.
func (r *Report) Failed() int { return r.count(OutcomeFailed) }

// Planned counts dry-run entries.
func (r *Report) Planned() int { return r.count(OutcomeDryRunPlanned) }

func (r *Report) count(o Outcome) int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// Summary renders the aggregate line printed after the batch.
func (r *Report) Summary() string {
	parts := []string{
		fmt.Sprintf("%d succeeded", r.Succeeded()),
		fmt.Sprintf("%d skipped", r.Skipped()),
		fmt.Sprintf("%d failed", r.Failed()),
	}
	if p := r.Planned(); p > 0 {
		parts = append(parts, fmt.Sprintf("%d planned (dry run)", p))
	}
	return fmt.Sprintf("%d tables: %s", len(r.Entries), strings.Join(parts, ", "))
}
