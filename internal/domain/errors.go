package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed inbound payload. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StaleWriteError reports an evidence delivery whose sequence is not newer than the stored one.
type StaleWriteError struct {
	VentureID   string
	Dimension   Dimension
	ExecutionID string
	Incoming    int64
	Current     int64
	Reason      string
}

func (e StaleWriteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stale %s evidence for %s from %s: %s", e.Dimension, e.VentureID, e.ExecutionID, e.Reason)
	}
	return fmt.Sprintf("stale %s evidence for %s: sequence %d is not newer than %d", e.Dimension, e.VentureID, e.Incoming, e.Current)
}

// VersionConflict reports an optimistic-lock failure. The caller re-reads and retries.
type VersionConflict struct {
	VentureID string
	Expected  int64
	Actual    int64
}

func (e VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.VentureID, e.Expected, e.Actual)
}

// PolicyOrderViolation reports a gate attempted before its prerequisite passed.
type PolicyOrderViolation struct {
	Gate         Dimension
	Prerequisite string
	Phase        Phase
}

func (e PolicyOrderViolation) Error() string {
	return fmt.Sprintf("gate %s cannot be attempted in phase %s: %s has not passed", e.Gate, e.Phase, e.Prerequisite)
}

// ResumeDeliveryFailed reports a resume call that did not reach the engine.
type ResumeDeliveryFailed struct {
	ApprovalID string
	Attempts   int
	Err        error
}

func (e ResumeDeliveryFailed) Error() string {
	return fmt.Sprintf("resume delivery for approval %s failed after %d attempt(s): %v", e.ApprovalID, e.Attempts, e.Err)
}

func (e ResumeDeliveryFailed) Unwrap() error { return e.Err }

// AuditWriteFailed reports an audit append that could not be persisted synchronously.
type AuditWriteFailed struct {
	EventID   string
	EventType string
	Err       error
}

func (e AuditWriteFailed) Error() string {
	return fmt.Sprintf("audit write %s (%s) failed: %v", e.EventID, e.EventType, e.Err)
}

func (e AuditWriteFailed) Unwrap() error { return e.Err }

var (
	// ErrApprovalAlreadyResolved marks a repeated resolution. Callers receive the original outcome alongside it.
	ErrApprovalAlreadyResolved = errors.New("approval already resolved")
	ErrTerminalPhase           = errors.New("venture is in a terminal phase")
	ErrOverrideNotRequired     = errors.New("gate criteria are satisfied; override not required")
	ErrVentureExists           = errors.New("venture already exists")
)
