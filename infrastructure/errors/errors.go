// Package errors provides the unified error taxonomy used across chronos-db:
// ValidationError, NotFoundError, OptimisticLockError, LockBusy, RouteError,
// StorageError, TxnError and ConfigError, all carried by one ServiceError
// type so callers can branch with errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindOptimisticLock Kind = "OPTIMISTIC_LOCK"
	KindLockBusy       Kind = "LOCK_BUSY"
	KindRoute          Kind = "ROUTE"
	KindStorage        Kind = "STORAGE"
	KindTxn            Kind = "TXN"
	KindConfig         Kind = "CONFIG"
	KindInternal       Kind = "INTERNAL"
)

// ServiceError is a structured error carrying a taxonomy Kind, a human
// message, the HTTP status a caller-facing layer would map it to, arbitrary
// details and the wrapped underlying error.
type ServiceError struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional context to the error and returns it for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(kind Kind, message string, httpStatus int) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(kind Kind, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation — malformed input, a key-path collision in metadata mapping, or
// a write that violates an invariant (e.g. a reserved system-prop write).
func Validation(field, reason string) *ServiceError {
	return New(KindValidation, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// NotFound — id/ov/cv not found for getById/getVersion/getObjectAt.
func NotFound(resource, id string) *ServiceError {
	return New(KindNotFound, "record not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// OptimisticLock — an update/delete whose expectedOv no longer matches the
// current head.
func OptimisticLock(id string, expectedOv, actualOv uint64) *ServiceError {
	return New(KindOptimisticLock, "optimistic lock mismatch", http.StatusConflict).
		WithDetails("id", id).
		WithDetails("expectedOv", expectedOv).
		WithDetails("actualOv", actualOv)
}

// LockBusy — a per-record lock is already held by another owner.
func LockBusy(id, heldBy string) *ServiceError {
	return New(KindLockBusy, "record lock busy", http.StatusConflict).
		WithDetails("id", id).
		WithDetails("heldBy", heldBy)
}

// Route — tenant resolution failed: unknown tenant, ambiguous template
// expansion, or no backend configured for the requested tier.
func Route(tenant, reason string) *ServiceError {
	return New(KindRoute, "route resolution failed", http.StatusBadGateway).
		WithDetails("tenant", tenant).
		WithDetails("reason", reason)
}

// Storage — a blob-store or metadata-store round trip failed.
func Storage(operation string, err error) *ServiceError {
	return Wrap(KindStorage, "storage operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// Txn — a multi-step commit failed and could not be fully compensated.
func Txn(step string, err error) *ServiceError {
	return Wrap(KindTxn, "transaction failed", http.StatusInternalServerError, err).
		WithDetails("step", step)
}

// Config — an invalid or missing Engine configuration value.
func Config(field, reason string) *ServiceError {
	return New(KindConfig, "invalid configuration", http.StatusInternalServerError).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Internal wraps an unexpected error that doesn't fit another category.
func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status a ServiceError maps to, defaulting
// to 500 for non-ServiceError or nil errors.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	se := GetServiceError(err)
	return se != nil && se.Kind == kind
}
