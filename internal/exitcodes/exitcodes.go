// Package exitcodes defines standard exit codes for CLI operations so that
// Airflow, Step Functions, and other schedulers can distinguish failure modes.
package exitcodes

import (
	"context"
	"errors"
	"strings"
)

const (
	// Success - every table succeeded or was skipped
	Success = 0

	// ConfigError - configuration/YAML parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// CatalogError - Glue catalog access failed before any table was touched (non-recoverable)
	CatalogError = 2

	// ClusterError - EMR cluster unreachable or SSH failure (recoverable)
	ClusterError = 3

	// UpgradeError - an ALTER or compaction statement failed (non-recoverable)
	UpgradeError = 4

	// RepairError - metadata document repair failed (non-recoverable)
	RepairError = 5

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 6

	// PartialFailure - the batch completed but one or more tables failed
	PartialFailure = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"parsing config",
		"invalid config",
		"is required",
	}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"access denied",
		"accessdenied",
		"not found in catalog",
		"entitynotfound",
	}) {
		return CatalogError
	}

	if containsAny(errStr, []string{
		"cluster",
		"ssh",
		"dial",
		"connection",
		"unreachable",
		"handshake",
	}) {
		return ClusterError
	}

	if containsAny(errStr, []string{
		"metadata",
		"repair",
		"pointer",
		"corruption",
	}) {
		return RepairError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	return UpgradeError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ClusterError, Cancelled:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case CatalogError:
		return "catalog error"
	case ClusterError:
		return "cluster error (recoverable)"
	case UpgradeError:
		return "upgrade error"
	case RepairError:
		return "metadata repair error"
	case Cancelled:
		return "cancelled (recoverable)"
	case PartialFailure:
		return "partial failure"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
