package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// AnalysisError is an error raised during an analysis attempt that maps to
// a status of the state machine rather than to a plain Error.
//
// Analysis errors include:
//   - Step timeout: the attempt exceeded its step span (retry with a shorter span)
//   - Timeout: the summed analysis time exceeded the modification timeout
//   - Database timeout: the storage layer was busy, locked or too slow
//   - Integrity violation: a storage constraint rejected the change (never retried)
//   - Stale data: a concurrent writer changed the rows read (retry as is)
//   - Canceled: a cancellation was requested for the record
type AnalysisError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Ref identifies the modification, when known.
	Ref model.ModificationRef

	// Err is the underlying cause, if any.
	Err error

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes analysis errors.
type ErrorCode string

const (
	ErrCodeStepTimeout        ErrorCode = "STEP_TIMEOUT"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"
	ErrCodeIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	ErrCodeStaleData          ErrorCode = "STALE_DATA"
	ErrCodeCanceled           ErrorCode = "CANCELED"
	ErrCodeUnknownAnalyzer    ErrorCode = "UNKNOWN_ANALYZER"
)

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if !e.Ref.IsZero() {
		msg = fmt.Sprintf("%s (modification=%s)", msg, e.Ref)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// CodeOf returns the analysis error code found in the chain, or "".
func CodeOf(err error) ErrorCode {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsStepTimeout reports a step timeout anywhere in the chain.
func IsStepTimeout(err error) bool { return CodeOf(err) == ErrCodeStepTimeout }

// IsTimeout reports a total modification timeout anywhere in the chain.
func IsTimeout(err error) bool { return CodeOf(err) == ErrCodeTimeout }

// IsDatabaseTimeout reports a storage timeout anywhere in the chain.
func IsDatabaseTimeout(err error) bool { return CodeOf(err) == ErrCodeDatabaseTimeout }

// IsIntegrityViolation reports a constraint violation anywhere in the chain.
func IsIntegrityViolation(err error) bool { return CodeOf(err) == ErrCodeIntegrityViolation }

// IsStaleData reports a retryable concurrent update anywhere in the chain.
func IsStaleData(err error) bool { return CodeOf(err) == ErrCodeStaleData }

// IsCanceled reports a cancellation request anywhere in the chain.
func IsCanceled(err error) bool { return CodeOf(err) == ErrCodeCanceled }

// NewStepTimeoutError reports an attempt that exceeded its step span.
func NewStepTimeoutError(ref model.ModificationRef, span time.Duration) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeStepTimeout,
		Message: fmt.Sprintf("step span %s exceeded", span),
		Ref:     ref,
		Details: map[string]string{"step_span": span.String()},
	}
}

// NewTimeoutError reports a record whose summed analysis time exceeded the limit.
func NewTimeoutError(ref model.ModificationRef, total, limit time.Duration) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("analysis time %s exceeded modification timeout %s", total, limit),
		Ref:     ref,
		Details: map[string]string{
			"total": total.String(),
			"limit": limit.String(),
		},
	}
}

// NewDatabaseTimeoutError wraps a storage timeout.
func NewDatabaseTimeoutError(err error) *AnalysisError {
	return &AnalysisError{Code: ErrCodeDatabaseTimeout, Message: "database timeout", Err: err}
}

// NewIntegrityViolationError wraps a storage constraint violation.
func NewIntegrityViolationError(err error) *AnalysisError {
	return &AnalysisError{Code: ErrCodeIntegrityViolation, Message: "constraint integrity violation", Err: err}
}

// NewStaleDataError wraps a concurrent update detected by the storage layer.
func NewStaleDataError(err error) *AnalysisError {
	return &AnalysisError{Code: ErrCodeStaleData, Message: "stale data", Err: err}
}

// NewCanceledError reports a cancellation request observed at a checkpoint.
func NewCanceledError(ref model.ModificationRef) *AnalysisError {
	return &AnalysisError{Code: ErrCodeCanceled, Message: "cancellation requested", Ref: ref}
}

// NewUnknownAnalyzerError reports a modification type without analyzer.
func NewUnknownAnalyzerError(ref model.ModificationRef, typ string) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeUnknownAnalyzer,
		Message: fmt.Sprintf("no analyzer registered for type %q", typ),
		Ref:     ref,
	}
}
