package upgrade

import (
	"fmt"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
)

// Action classifies what the orchestrator decided to do with a table.
// Derived deterministically from fresh catalog state, never persisted.
type Action string

const (
	ActionSkipAlreadyV3     Action = "SKIP_ALREADY_V3"
	ActionSkipNotIceberg    Action = "SKIP_NOT_ICEBERG"
	ActionUpgradeAndCompact Action = "UPGRADE_AND_COMPACT"
	ActionRepairThenCompact Action = "REPAIR_THEN_COMPACT"
)

// Outcome is the terminal state of one table's orchestration.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "SUCCEEDED"
	OutcomeSkipped       Outcome = "SKIPPED"
	OutcomeFailed        Outcome = "FAILED"
	OutcomeDryRunPlanned Outcome = "DRY_RUN_PLANNED"
)

// Reason identifies why a table failed.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonTableNotFound         Reason = "TableNotFound"
	ReasonCatalogError          Reason = "CatalogReadFailed"
	ReasonPermissionDenied      Reason = "PermissionDenied"
	ReasonAlterRejected         Reason = "AlterRejected"
	ReasonClusterUnavailable    Reason = "ClusterUnavailable"
	ReasonAuthenticationFailed  Reason = "AuthenticationFailed"
	ReasonAlterNotReflected     Reason = "AlterNotReflected"
	ReasonCompactionFailed      Reason = "CompactionFailed"
	ReasonRepairFailed          Reason = "RepairFailed"
	ReasonUnsupportedCorruption Reason = "UnsupportedCorruption"
	ReasonVerifyFailed          Reason = "VerifyFailed"
)

// alterStatement sets the table's format version to 3. Declarative, so
// re-sending it against the same target state is safe.
func alterStatement(catalogName string, ref catalog.TableRef) string {
	return fmt.Sprintf("ALTER TABLE %s.%s.%s SET TBLPROPERTIES ('format-version' = '3');",
		catalogName, ref.Database, ref.Name)
}

// compactStatement rewrites all data files, applying and discarding every
// pending delete file. rewrite-all forces a full rewrite regardless of file
// size thresholds.
func compactStatement(catalogName string, ref catalog.TableRef) string {
	return fmt.Sprintf("CALL %s.system.rewrite_data_files(table => '%s.%s', options => map('rewrite-all', 'true'));",
		catalogName, ref.Database, ref.Name)
}
