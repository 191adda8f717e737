package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable, machine-readable category surfaced to callers.
type ErrorCode string

const (
	CodeSessionNotFound   ErrorCode = "session_not_found"
	CodeTransactionClosed ErrorCode = "transaction_closed"
	CodeInvalidVector     ErrorCode = "invalid_vector"
	CodeRushedAssessment  ErrorCode = "rushed_assessment"
	CodeStorageError      ErrorCode = "storage_error"
	CodeTransactionState  ErrorCode = "transaction_state"
	CodeUnresolved        ErrorCode = "unresolved"
	CodeInternal          ErrorCode = "internal_error"
)

// ValidationError reports input that failed range or shape checks.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid input (%s): %s", strings.Join(e.Fields, ","), e.Message)
}

// TransactionStateError reports an operation not permitted in the current
// transaction state: a second open transaction, a non-owner opening a
// non-parallel transaction, or CHECK before PREFLIGHT.
type TransactionStateError struct {
	TransactionID string
	State         TxState
	Message       string
}

func (e *TransactionStateError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("transaction %s (%s): %s", e.TransactionID, e.State, e.Message)
	}
	return "transaction state: " + e.Message
}

// TransactionClosedError reports CHECK or praxic work against a CLOSED
// transaction.
type TransactionClosedError struct {
	TransactionID string
}

func (e *TransactionClosedError) Error() string {
	return fmt.Sprintf("transaction %s is closed; open a new one with PREFLIGHT", e.TransactionID)
}

// StorageError reports a relational write or read that failed after retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ResolutionError reports that no priority level produced a session id.
// Ambiguous is set when several candidates existed but none was authoritative.
type ResolutionError struct {
	Identity  string
	Ambiguous bool
	Message   string
}

func (e *ResolutionError) Error() string {
	if e.Identity == "" {
		return "unresolved context: " + e.Message
	}
	return fmt.Sprintf("unresolved context for %s: %s", e.Identity, e.Message)
}

// SessionNotFoundError reports a resolved or supplied session id with no row.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// RushedAssessmentError is guidance attached to a CHECK that was forced to
// investigate because it arrived too soon after PREFLIGHT with no artifacts.
type RushedAssessmentError struct {
	TransactionID string
}

func (e *RushedAssessmentError) Error() string {
	return "assessment submitted before any investigation was recorded; log findings or unknowns, then CHECK again"
}

// EvidenceCollectionTimeout is logged when evidence collection exceeded its
// deadline. The partial bundle is still stored.
type EvidenceCollectionTimeout struct {
	TransactionID string
	Collected     int
}

func (e *EvidenceCollectionTimeout) Error() string {
	return fmt.Sprintf("evidence collection for %s timed out after %d items", e.TransactionID, e.Collected)
}

// ErrorType maps err to its surface code. Unrecognised errors map to
// CodeInternal.
func ErrorType(err error) ErrorCode {
	var (
		ve  *ValidationError
		tse *TransactionStateError
		tce *TransactionClosedError
		se  *StorageError
		re  *ResolutionError
		snf *SessionNotFoundError
		rae *RushedAssessmentError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &tce):
		return CodeTransactionClosed
	case errors.As(err, &ve):
		return CodeInvalidVector
	case errors.As(err, &snf):
		return CodeSessionNotFound
	case errors.As(err, &tse):
		return CodeTransactionState
	case errors.As(err, &re):
		return CodeUnresolved
	case errors.As(err, &rae):
		return CodeRushedAssessment
	case errors.As(err, &se):
		return CodeStorageError
	}
	return CodeInternal
}

// IsDomainError reports whether err is a caller-facing domain error that must
// not be retried by the storage layer.
func IsDomainError(err error) bool {
	switch ErrorType(err) {
	case CodeInternal, CodeStorageError, "":
		return false
	}
	return true
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransactionStateError reports whether err wraps a TransactionStateError.
func IsTransactionStateError(err error) bool {
	var e *TransactionStateError
	return errors.As(err, &e)
}

// IsTransactionClosedError reports whether err wraps a TransactionClosedError.
func IsTransactionClosedError(err error) bool {
	var e *TransactionClosedError
	return errors.As(err, &e)
}

// IsStorageError reports whether err wraps a StorageError.
func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

// IsResolutionError reports whether err wraps a ResolutionError.
func IsResolutionError(err error) bool {
	var e *ResolutionError
	return errors.As(err, &e)
}

// IsSessionNotFoundError reports whether err wraps a SessionNotFoundError.
func IsSessionNotFoundError(err error) bool {
	var e *SessionNotFoundError
	return errors.As(err, &e)
}
