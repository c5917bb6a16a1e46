package upgrade

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/emr"
	"github.com/lakeops/iceberg-v3-upgrade/internal/notify"
)

// simCatalog is a minimal live catalog: inspections read current versions and
// a successful ALTER moves the table to v3, like Spark committing through Glue.
type simCatalog struct {
	versions  map[string]int
	failAlter map[string]bool
}

func (s *simCatalog) GetTableState(ctx context.Context, ref catalog.TableRef) (*catalog.TableState, error) {
	return &catalog.TableState{
		Ref:              ref,
		FormatVersion:    s.versions[ref.Name],
		IsIceberg:        true,
		MetadataLocation: "s3://bucket/meta/00001-x.metadata.json",
	}, nil
}

func (s *simCatalog) Run(ctx context.Context, statement string, timeout time.Duration) (emr.Result, error) {
	if strings.HasPrefix(statement, "ALTER TABLE") {
		for name := range s.versions {
			if !strings.Contains(statement, "."+name+" ") {
				continue
			}
			if s.failAlter[name] {
				return emr.Result{ExitCode: 1}, &emr.StatementError{Result: emr.Result{ExitCode: 1, Stderr: "rejected"}}
			}
			s.versions[name] = 3
		}
	}
	return emr.Result{}, nil
}

type noRepair struct{}

func (noRepair) Check(ctx context.Context, state *catalog.TableState) (bool, error) {
	return false, nil
}

func (noRepair) Repair(ctx context.Context, state *catalog.TableState) (string, error) {
	return "", errors.New("unexpected repair")
}

func newSimRunner(sim *simCatalog) *Runner {
	orch := New(sim, sim, noRepair{}, Options{
		CatalogName:      "glue_catalog",
		RetryAttempts:    1,
		StatementTimeout: time.Minute,
	})
	return NewRunner(orch, notify.New(nil))
}

func TestRunPartialFailureIsolation(t *testing.T) {
	sim := &simCatalog{
		versions:  map[string]int{"t1": 2, "t2": 2, "t3": 2},
		failAlter: map[string]bool{"t2": true},
	}
	runner := newSimRunner(sim)

	refs := []catalog.TableRef{
		{Database: "sales", Name: "t1"},
		{Database: "sales", Name: "t2"},
		{Database: "sales", Name: "t3"},
	}
	report, err := runner.Run(context.Background(), refs, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Entries) != 3 {
		t.Fatalf("%d entries, want 3 (one failure must not abort the batch)", len(report.Entries))
	}
	if report.Succeeded() != 2 || report.Failed() != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", report.Succeeded(), report.Failed())
	}
	if report.Entries[1].Ref.Name != "t2" || report.Entries[1].Outcome != OutcomeFailed {
		t.Errorf("entry[1] = %+v, want t2 failed", report.Entries[1])
	}
	// t3 processed after t2's failure
	if report.Entries[2].Outcome != OutcomeSucceeded {
		t.Errorf("entry[2] = %+v, want t3 succeeded", report.Entries[2])
	}
}

func TestRunCancelledBetweenTables(t *testing.T) {
	sim := &simCatalog{versions: map[string]int{"t1": 2}}
	runner := newSimRunner(sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := runner.Run(ctx, []catalog.TableRef{{Database: "sales", Name: "t1"}}, false)
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(report.Entries) != 0 {
		t.Errorf("%d entries processed after cancellation, want 0", len(report.Entries))
	}
}

func TestRunDryRun(t *testing.T) {
	sim := &simCatalog{versions: map[string]int{"t1": 2, "t2": 3}}
	runner := newSimRunner(sim)

	refs := []catalog.TableRef{
		{Database: "sales", Name: "t1"},
		{Database: "sales", Name: "t2"},
	}
	report, err := runner.Run(context.Background(), refs, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Planned() != 1 || report.Skipped() != 1 {
		t.Errorf("planned/skipped = %d/%d, want 1/1", report.Planned(), report.Skipped())
	}
	// Dry run must leave the catalog untouched
	if sim.versions["t1"] != 2 {
		t.Errorf("t1 version = %d after dry run, want 2", sim.versions["t1"])
	}
}

type fakeLister struct {
	states []*catalog.TableState
	err    error
}

func (f *fakeLister) ListTableStates(ctx context.Context, database string) iter.Seq2[*catalog.TableState, error] {
	return func(yield func(*catalog.TableState, error) bool) {
		for _, s := range f.states {
			if !yield(s, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func TestResolveAll(t *testing.T) {
	lister := &fakeLister{states: []*catalog.TableState{
		{Ref: catalog.TableRef{Database: "sales", Name: "orders"}, IsIceberg: true, FormatVersion: 2},
		{Ref: catalog.TableRef{Database: "sales", Name: "legacy_csv"}, IsIceberg: false},
		{Ref: catalog.TableRef{Database: "sales", Name: "events"}, IsIceberg: true, FormatVersion: 3},
	}}

	refs, err := ResolveAll(context.Background(), lister, "sales")
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}

	// Non-Iceberg tables are filtered; V3 tables stay in, the orchestrator
	// re-checks them at processing time.
	want := []string{"orders", "events"}
	if len(refs) != len(want) {
		t.Fatalf("%d refs, want %d", len(refs), len(want))
	}
	for i, name := range want {
		if refs[i].Name != name {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i].Name, name)
		}
	}
}

func TestResolveAllPropagatesErrors(t *testing.T) {
	lister := &fakeLister{err: errors.New("access denied")}
	_, err := ResolveAll(context.Background(), lister, "sales")
	if err == nil {
		t.Fatal("expected listing error to propagate")
	}
}
