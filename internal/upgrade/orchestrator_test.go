package upgrade

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/emr"
	"github.com/lakeops/iceberg-v3-upgrade/internal/metadata"
)

var testRef = catalog.TableRef{Database: "sales", Name: "orders"}

// fakeInspector serves a scripted sequence of states, one per call, holding
// the last one once the script runs out.
type fakeInspector struct {
	states []*catalog.TableState
	errs   []error
	calls  int
}

func (f *fakeInspector) GetTableState(ctx context.Context, ref catalog.TableRef) (*catalog.TableState, error) {
	i := f.calls
	f.calls++
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.states[i], nil
}

type fakeRepairer struct {
	corrupt     []bool
	checkErr    error
	repairErrs  []error
	checkCalls  int
	repairCalls int
}

func (f *fakeRepairer) Check(ctx context.Context, state *catalog.TableState) (bool, error) {
	i := f.checkCalls
	f.checkCalls++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if i >= len(f.corrupt) {
		i = len(f.corrupt) - 1
	}
	return f.corrupt[i], nil
}

func (f *fakeRepairer) Repair(ctx context.Context, state *catalog.TableState) (string, error) {
	i := f.repairCalls
	f.repairCalls++
	if i < len(f.repairErrs) && f.repairErrs[i] != nil {
		return "", f.repairErrs[i]
	}
	return "s3://bucket/meta/00004-new.metadata.json", nil
}

// fakeSession records statements and serves scripted errors in order.
type fakeSession struct {
	errs       []error
	statements []string
}

func (f *fakeSession) Run(ctx context.Context, statement string, timeout time.Duration) (emr.Result, error) {
	i := len(f.statements)
	f.statements = append(f.statements, statement)
	if i < len(f.errs) && f.errs[i] != nil {
		return emr.Result{}, f.errs[i]
	}
	return emr.Result{ExitCode: 0, Duration: time.Second}, nil
}

func stateV(version int) *catalog.TableState {
	return &catalog.TableState{
		Ref:              testRef,
		FormatVersion:    version,
		IsIceberg:        true,
		MetadataLocation: "s3://bucket/meta/00003-cur.metadata.json",
	}
}

func newTestOrchestrator(inspector *fakeInspector, session *fakeSession, repairer *fakeRepairer) *Orchestrator {
	return New(inspector, session, repairer, Options{
		CatalogName:      "glue_catalog",
		RetryAttempts:    2,
		StatementTimeout: time.Minute,
	})
}

func TestUpgradeTableNotIceberg(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{{Ref: testRef, IsIceberg: false}}}
	session := &fakeSession{}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSkipped || entry.Action != ActionSkipNotIceberg {
		t.Errorf("entry = %+v, want skipped/SKIP_NOT_ICEBERG", entry)
	}
	if len(session.statements) != 0 {
		t.Errorf("%d statements executed against non-Iceberg table", len(session.statements))
	}
}

func TestUpgradeTableAlreadyV3Healthy(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{corrupt: []bool{false}}
	orch := newTestOrchestrator(inspector, session, repairer)

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSkipped || entry.Action != ActionSkipAlreadyV3 {
		t.Errorf("entry = %+v, want skipped/SKIP_ALREADY_V3", entry)
	}
	if repairer.checkCalls != 1 {
		t.Errorf("checkCalls = %d, want 1 (V3 tables must be health-checked)", repairer.checkCalls)
	}
	if len(session.statements) != 0 {
		t.Errorf("%d statements executed against healthy V3 table", len(session.statements))
	}
}

func TestUpgradeTableFullPath(t *testing.T) {
	// Inspect sees v2, post-ALTER confirm sees v3, post-compact verify sees v3
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2), stateV(3), stateV(3)}}
	session := &fakeSession{}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSucceeded || entry.Action != ActionUpgradeAndCompact {
		t.Fatalf("entry = %+v, want succeeded/UPGRADE_AND_COMPACT", entry)
	}
	if len(session.statements) != 2 {
		t.Fatalf("%d statements executed, want 2 (alter, compact)", len(session.statements))
	}
	if session.statements[0] != alterStatement("glue_catalog", testRef) {
		t.Errorf("first statement = %q, want ALTER", session.statements[0])
	}
	if session.statements[1] != compactStatement("glue_catalog", testRef) {
		t.Errorf("second statement = %q, want compaction CALL", session.statements[1])
	}
	if inspector.calls != 3 {
		t.Errorf("inspector calls = %d, want 3 (initial, post-alter, post-compact)", inspector.calls)
	}
}

func TestUpgradeTableAlterNotReflected(t *testing.T) {
	// Catalog still reports v2 after the ALTER
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2), stateV(2)}}
	session := &fakeSession{}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonAlterNotReflected {
		t.Fatalf("entry = %+v, want failed/AlterNotReflected", entry)
	}
	if len(session.statements) != 1 {
		t.Errorf("%d statements executed, want 1 (no compaction after unconfirmed ALTER)", len(session.statements))
	}
}

func TestUpgradeTableDryRun(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2)}}
	session := &fakeSession{}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, true)

	if entry.Outcome != OutcomeDryRunPlanned || entry.Action != ActionUpgradeAndCompact {
		t.Errorf("entry = %+v, want planned/UPGRADE_AND_COMPACT", entry)
	}
	if len(session.statements) != 0 {
		t.Errorf("%d statements executed in dry run", len(session.statements))
	}
}

func TestUpgradeTableRetriesConnectionErrors(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2), stateV(3), stateV(3)}}
	session := &fakeSession{errs: []error{
		&emr.ConnectionError{Err: errors.New("dial tcp: refused")},
	}}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSucceeded {
		t.Fatalf("entry = %+v, want success after retry", entry)
	}
	// alter (failed), alter (retried), compact
	if len(session.statements) != 3 {
		t.Errorf("%d statements executed, want 3", len(session.statements))
	}
}

func TestUpgradeTableRetryBound(t *testing.T) {
	connErr := &emr.ConnectionError{Err: errors.New("dial tcp: refused")}
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2)}}
	session := &fakeSession{errs: []error{connErr, connErr, connErr, connErr}}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonClusterUnavailable {
		t.Fatalf("entry = %+v, want failed/ClusterUnavailable", entry)
	}
	if len(session.statements) != 2 {
		t.Errorf("%d attempts, want 2 (RetryAttempts)", len(session.statements))
	}
}

func TestUpgradeTableStatementErrorNotRetried(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2)}}
	session := &fakeSession{errs: []error{
		&emr.StatementError{Result: emr.Result{ExitCode: 1, Stderr: "AnalysisException"}},
	}}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonAlterRejected {
		t.Fatalf("entry = %+v, want failed/AlterRejected", entry)
	}
	if len(session.statements) != 1 {
		t.Errorf("%d attempts, want 1 (statement failures are fatal)", len(session.statements))
	}
}

func TestUpgradeTableAuthErrorFatal(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(2)}}
	session := &fakeSession{errs: []error{
		&emr.AuthError{Err: errors.New("unable to authenticate")},
	}}
	orch := newTestOrchestrator(inspector, session, &fakeRepairer{})

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonAuthenticationFailed {
		t.Fatalf("entry = %+v, want failed/AuthenticationFailed", entry)
	}
	if len(session.statements) != 1 {
		t.Errorf("%d attempts, want 1 (auth failures are fatal)", len(session.statements))
	}
}

func TestUpgradeTableRepairPath(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3), stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{corrupt: []bool{true}}
	orch := newTestOrchestrator(inspector, session, repairer)

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSucceeded || entry.Action != ActionRepairThenCompact {
		t.Fatalf("entry = %+v, want succeeded/REPAIR_THEN_COMPACT", entry)
	}
	if repairer.repairCalls != 1 {
		t.Errorf("repairCalls = %d, want 1", repairer.repairCalls)
	}
	// No ALTER for an already-V3 table, just the rewrite
	if len(session.statements) != 1 || session.statements[0] != compactStatement("glue_catalog", testRef) {
		t.Errorf("statements = %v, want single compaction CALL", session.statements)
	}
}

func TestUpgradeTableRepairConflictRetriesOnce(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3), stateV(3), stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{
		corrupt:    []bool{true, true},
		repairErrs: []error{fmt.Errorf("wrapped: %w", metadata.ErrPointerSwapConflict)},
	}
	orch := newTestOrchestrator(inspector, session, repairer)

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSucceeded {
		t.Fatalf("entry = %+v, want success after conflict retry", entry)
	}
	if repairer.repairCalls != 2 {
		t.Errorf("repairCalls = %d, want 2 (initial + one retry)", repairer.repairCalls)
	}
	if repairer.checkCalls != 2 {
		t.Errorf("checkCalls = %d, want 2 (initial + fresh re-check)", repairer.checkCalls)
	}
}

func TestUpgradeTableConcurrentWriterRepaired(t *testing.T) {
	// The conflicting writer left healthy metadata; no second repair needed
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3), stateV(3), stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{
		corrupt:    []bool{true, false},
		repairErrs: []error{metadata.ErrPointerSwapConflict},
	}
	orch := newTestOrchestrator(inspector, session, repairer)

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeSucceeded {
		t.Fatalf("entry = %+v, want success", entry)
	}
	if repairer.repairCalls != 1 {
		t.Errorf("repairCalls = %d, want 1 (second repair skipped on healthy re-check)", repairer.repairCalls)
	}
}

func TestUpgradeTableUnsupportedCorruption(t *testing.T) {
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{checkErr: &metadata.UnsupportedCorruptionError{
		Location: "s3://bucket/meta/00003-cur.metadata.json",
		Reason:   "document has no format-version field",
	}}
	orch := newTestOrchestrator(inspector, session, repairer)

	entry := orch.UpgradeTable(context.Background(), testRef, false)

	if entry.Outcome != OutcomeFailed || entry.Reason != ReasonUnsupportedCorruption {
		t.Fatalf("entry = %+v, want failed/UnsupportedCorruption", entry)
	}
	if len(session.statements) != 0 {
		t.Errorf("%d statements executed on unrepairable table", len(session.statements))
	}
}

func TestUpgradeTableInspectFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"not found", fmt.Errorf("sales.orders: %w", catalog.ErrTableNotFound), ReasonTableNotFound},
		{"denied", fmt.Errorf("sales.orders: %w", catalog.ErrPermissionDenied), ReasonPermissionDenied},
		{"other", errors.New("throttled"), ReasonCatalogError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspector := &fakeInspector{states: []*catalog.TableState{nil}, errs: []error{tt.err}}
			orch := newTestOrchestrator(inspector, &fakeSession{}, &fakeRepairer{})

			entry := orch.UpgradeTable(context.Background(), testRef, false)
			if entry.Outcome != OutcomeFailed || entry.Reason != tt.want {
				t.Errorf("entry = %+v, want failed/%s", entry, tt.want)
			}
		})
	}
}

func TestUpgradeTableIdempotent(t *testing.T) {
	// A second run over an upgraded table must do nothing
	inspector := &fakeInspector{states: []*catalog.TableState{stateV(3)}}
	session := &fakeSession{}
	repairer := &fakeRepairer{corrupt: []bool{false}}
	orch := newTestOrchestrator(inspector, session, repairer)

	first := orch.UpgradeTable(context.Background(), testRef, false)
	second := orch.UpgradeTable(context.Background(), testRef, false)

	for _, entry := range []Entry{first, second} {
		if entry.Outcome != OutcomeSkipped {
			t.Errorf("entry = %+v, want skipped", entry)
		}
	}
	if len(session.statements) != 0 {
		t.Errorf("%d statements executed on repeated runs", len(session.statements))
	}
}
