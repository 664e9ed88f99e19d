// Package kernelerr defines the structured error values that cross
// component boundaries. Subsystems return these instead of raising
// exceptions; callers inspect Kind to decide how to react and never
// see internals beyond the safe reason.
package kernelerr

import (
	"errors"
	"fmt"

	"github.com/imran-siddique/agentos/internal/domain/action"
)

// Kind classifies a kernel error.
type Kind string

const (
	KindPolicyViolation  Kind = "policy_violation"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindApprovalRequired Kind = "approval_required"
	KindTrustBreach      Kind = "trust_breach"
	KindSandboxViolation Kind = "sandbox_violation"
	KindMemoryIntegrity  Kind = "memory_integrity_failure"
	KindAuditUnavailable Kind = "audit_unavailable"
	KindCircuitOpen      Kind = "circuit_open"
	KindConfig           Kind = "config_error"
	KindInternal         Kind = "internal_error"
)

// Error is the structured error value carried across component boundaries.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Severity grades it.
	Severity action.Severity
	// Reason is a safe, caller-facing explanation.
	Reason string
	// AuditRef is the sequence number of the audit entry recording this
	// error, 0 if none was written.
	AuditRef uint64
	// Err is the wrapped cause, not exposed to callers.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds a kernel error.
func New(kind Kind, sev action.Severity, reason string) *Error {
	return &Error{Kind: kind, Severity: sev, Reason: reason}
}

// Wrap builds a kernel error around a cause.
func Wrap(kind Kind, sev action.Severity, reason string, err error) *Error {
	return &Error{Kind: kind, Severity: sev, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err is not a
// kernel error.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// Is reports whether err is a kernel error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Kind == kind
}
