package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"validation", &ValidationError{Message: "x"}, CodeInvalidVector},
		{"closed", &TransactionClosedError{TransactionID: "t"}, CodeTransactionClosed},
		{"state", &TransactionStateError{Message: "open"}, CodeTransactionState},
		{"storage", &StorageError{Op: "append", Err: errors.New("disk")}, CodeStorageError},
		{"unresolved", &ResolutionError{Identity: "pane"}, CodeUnresolved},
		{"session", &SessionNotFoundError{SessionID: "s"}, CodeSessionNotFound},
		{"rushed", &RushedAssessmentError{}, CodeRushedAssessment},
		{"wrapped", fmt.Errorf("check: %w", &TransactionClosedError{}), CodeTransactionClosed},
		{"plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorType(tt.err))
		})
	}
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(&ValidationError{}))
	assert.True(t, IsDomainError(fmt.Errorf("x: %w", &TransactionStateError{})))
	assert.False(t, IsDomainError(&StorageError{Err: errors.New("locked")}))
	assert.False(t, IsDomainError(errors.New("driver")))
	assert.False(t, IsDomainError(nil))
}

func TestStorageErrorUnwrap(t *testing.T) {
	base := errors.New("database is locked")
	err := fmt.Errorf("append: %w", &StorageError{Op: "append", Err: base})

	assert.ErrorIs(t, err, base)
	assert.True(t, IsStorageError(err))
	assert.Contains(t, err.Error(), "database is locked")
}

func TestErrorMessagesHideNumbers(t *testing.T) {
	msg := (&RushedAssessmentError{TransactionID: "t-1"}).Error()
	assert.NotContains(t, msg, "0.")
	assert.Contains(t, msg, "CHECK again")
}
