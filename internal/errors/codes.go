package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Usage errors: programmer mistakes, surfaced synchronously and never retried
	ErrCodeInvalidArgument         ErrorCode = 1000
	ErrCodeUnmanaged               ErrorCode = 1001
	ErrCodeInvalidatedReference    ErrorCode = 1002
	ErrCodeAlreadyInTransaction    ErrorCode = 1003
	ErrCodeNoTransactionInProgress ErrorCode = 1004
	ErrCodeUnknownType             ErrorCode = 1005
	ErrCodeTypeMismatch            ErrorCode = 1006
	ErrCodeNumericOverflow         ErrorCode = 1007

	// State errors
	ErrCodeInvalidatedAccess ErrorCode = 2000
	ErrCodeClosed            ErrorCode = 2001
	ErrCodeObjectDeleted     ErrorCode = 2002

	// Resource errors
	ErrCodeTooManyActiveVersions ErrorCode = 3000
	ErrCodeBackpressure          ErrorCode = 3001

	// Transactional errors
	ErrCodeWriteAborted ErrorCode = 4000

	// Server errors
	ErrCodeInternal        ErrorCode = 5000
	ErrCodeCorruptedData   ErrorCode = 5001
	ErrCodeCommitLogFailed ErrorCode = 5002
)

// Sentinels for errors.Is. A *StoreError matches the sentinel carrying the same code.
var (
	ErrInvalidArgument         = &StoreError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrUnmanaged               = &StoreError{Code: ErrCodeUnmanaged, Message: "operation requires a managed object"}
	ErrInvalidatedReference    = &StoreError{Code: ErrCodeInvalidatedReference, Message: "container no longer valid"}
	ErrAlreadyInTransaction    = &StoreError{Code: ErrCodeAlreadyInTransaction, Message: "a write transaction is already in progress"}
	ErrNoTransactionInProgress = &StoreError{Code: ErrCodeNoTransactionInProgress, Message: "no write transaction in progress"}
	ErrUnknownType             = &StoreError{Code: ErrCodeUnknownType, Message: "unknown type"}
	ErrTypeMismatch            = &StoreError{Code: ErrCodeTypeMismatch, Message: "type mismatch"}
	ErrNumericOverflow         = &StoreError{Code: ErrCodeNumericOverflow, Message: "numeric overflow"}
	ErrInvalidatedAccess       = &StoreError{Code: ErrCodeInvalidatedAccess, Message: "access to invalidated store or snapshot"}
	ErrClosed                  = &StoreError{Code: ErrCodeClosed, Message: "store is closed"}
	ErrObjectDeleted           = &StoreError{Code: ErrCodeObjectDeleted, Message: "object has been deleted"}
	ErrTooManyActiveVersions   = &StoreError{Code: ErrCodeTooManyActiveVersions, Message: "too many active versions"}
	ErrBackpressure            = &StoreError{Code: ErrCodeBackpressure, Message: "subscriber cannot keep up"}
	ErrWriteAborted            = &StoreError{Code: ErrCodeWriteAborted, Message: "write transaction aborted"}
	ErrInternal                = &StoreError{Code: ErrCodeInternal, Message: "internal error"}
	ErrCorruptedData           = &StoreError{Code: ErrCodeCorruptedData, Message: "corrupted data"}
	ErrCommitLogFailed         = &StoreError{Code: ErrCodeCommitLogFailed, Message: "commit log failure"}
)

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StoreError with the same code.
func (e *StoreError) Is(target error) bool {
	var se *StoreError
	if !errors.As(target, &se) {
		return false
	}
	return se.Code == e.Code
}

// GRPCStatus converts StoreError to gRPC status. The method name lets
// status.FromError and status.Code recognise store errors.
func (e *StoreError) GRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnknownType, ErrCodeTypeMismatch, ErrCodeNumericOverflow:
		return codes.InvalidArgument
	case ErrCodeUnmanaged, ErrCodeInvalidatedReference, ErrCodeAlreadyInTransaction,
		ErrCodeNoTransactionInProgress, ErrCodeInvalidatedAccess:
		return codes.FailedPrecondition
	case ErrCodeObjectDeleted:
		return codes.NotFound
	case ErrCodeClosed:
		return codes.Unavailable
	case ErrCodeTooManyActiveVersions, ErrCodeBackpressure:
		return codes.ResourceExhausted
	case ErrCodeWriteAborted:
		return codes.Aborted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error to an HTTP status code.
func (e *StoreError) HTTPStatus() int {
	switch e.toGRPCCode() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func Unmanaged(operation string) *StoreError {
	return NewStoreError(ErrCodeUnmanaged, fmt.Sprintf("%s requires a managed object", operation), nil).
		WithDetail("operation", operation)
}

func InvalidatedReference(path string) *StoreError {
	return NewStoreError(ErrCodeInvalidatedReference, fmt.Sprintf("container no longer valid: %s", path), nil).
		WithDetail("path", path)
}

func AlreadyInTransaction() *StoreError {
	return NewStoreError(ErrCodeAlreadyInTransaction, "cannot open a write transaction from inside a write transaction", nil)
}

func NoTransactionInProgress(operation string) *StoreError {
	return NewStoreError(ErrCodeNoTransactionInProgress, fmt.Sprintf("%s: no write transaction in progress", operation), nil).
		WithDetail("operation", operation)
}

func UnknownType(typeName string) *StoreError {
	return NewStoreError(ErrCodeUnknownType, fmt.Sprintf("type '%s' is not part of the schema", typeName), nil).
		WithDetail("type", typeName)
}

func TypeMismatch(expected, actual string) *StoreError {
	return NewStoreError(ErrCodeTypeMismatch, fmt.Sprintf("cannot read value of type '%s' as '%s'", actual, expected), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NumericOverflow(value int64, target string) *StoreError {
	return NewStoreError(ErrCodeNumericOverflow, fmt.Sprintf("value %d does not fit in %s", value, target), nil).
		WithDetail("value", value).
		WithDetail("target", target)
}

func InvalidatedAccess(reason string) *StoreError {
	return NewStoreError(ErrCodeInvalidatedAccess, fmt.Sprintf("invalidated access: %s", reason), nil).
		WithDetail("reason", reason)
}

func Closed() *StoreError {
	return NewStoreError(ErrCodeClosed, "store is closed", nil)
}

func ObjectDeleted(class string, key int64) *StoreError {
	return NewStoreError(ErrCodeObjectDeleted, fmt.Sprintf("object %s[%d] has been deleted", class, key), nil).
		WithDetail("class", class).
		WithDetail("key", key)
}

func TooManyActiveVersions(current, limit int) *StoreError {
	return NewStoreError(ErrCodeTooManyActiveVersions,
		fmt.Sprintf("number of active versions (%d) exceeds the configured maximum (%d)", current, limit), nil).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func Backpressure(subscription string, buffer int) *StoreError {
	return NewStoreError(ErrCodeBackpressure,
		fmt.Sprintf("subscriber cannot keep up: %s exceeded its buffer of %d events", subscription, buffer), nil).
		WithDetail("subscription", subscription).
		WithDetail("buffer", buffer)
}

func WriteAborted(cause error) *StoreError {
	return NewStoreError(ErrCodeWriteAborted, "write transaction aborted", cause)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func CorruptedData(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeCorruptedData, message, cause)
}

func CommitLogFailed(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeCommitLogFailed, message, cause)
}

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// StatusName returns the canonical gRPC code name for any error, such as
// "NotFound". Errors outside the taxonomy are "Internal".
func StatusName(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.GRPCStatus().Code().String()
	}
	return codes.Internal.String()
}

// HTTPStatus returns the HTTP status for any error.
func HTTPStatus(err error) int {
	var se *StoreError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return http.StatusInternalServerError
}
