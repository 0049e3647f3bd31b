package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrConnectionUnavailable = errors.New("purchase framework unavailable")
	ErrProductNotFound       = errors.New("product not found")
	ErrPurchaseCancelled     = errors.New("purchase cancelled")
	ErrVerificationFailed    = errors.New("transaction verification failed")
	ErrTimeout               = errors.New("timeout")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrStoreUnavailable      = errors.New("entitlement store unavailable")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection   ErrorType = "connection"
	ErrorTypeCatalog      ErrorType = "catalog"
	ErrorTypeCancelled    ErrorType = "cancelled"
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeSignature    ErrorType = "signature"
	ErrorTypeStore        ErrorType = "store"
	ErrorTypeInternal     ErrorType = "internal"
)

// PurchaseError is a structured error for entitlement operations.
// Cancellation is modeled as an error type so callers can branch on it,
// but it is user-initiated and is never logged as a failure.
type PurchaseError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "purchase", "restore", "apply_notification")
	ProductID string // Product involved, if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *PurchaseError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PurchaseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PurchaseError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrConnectionUnavailable:
		return e.Type == ErrorTypeConnection
	case ErrProductNotFound:
		return e.Type == ErrorTypeCatalog
	case ErrPurchaseCancelled:
		return e.Type == ErrorTypeCancelled
	case ErrVerificationFailed:
		return e.Type == ErrorTypeVerification
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrSignatureInvalid:
		return e.Type == ErrorTypeSignature
	case ErrStoreUnavailable:
		return e.Type == ErrorTypeStore
	}

	return errors.Is(e.Err, target)
}

// New creates a new PurchaseError
func New(errorType ErrorType, op string, err error) *PurchaseError {
	return &PurchaseError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithProduct adds product information to the error
func (e *PurchaseError) WithProduct(productID string) *PurchaseError {
	e.ProductID = productID
	return e
}

// isRetryable determines if an error category should be retried.
// Verification and signature failures must never be retried into a grant.
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeStore:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapConnection wraps a purchase-framework connection error with context
func WrapConnection(op string, err error) error {
	return New(ErrorTypeConnection, op, err)
}

// WrapVerification wraps a transaction verification error with context
func WrapVerification(op string, err error) error {
	return New(ErrorTypeVerification, op, err)
}

// WrapTimeout wraps a deadline error with context
func WrapTimeout(op string, err error) error {
	return New(ErrorTypeTimeout, op, err)
}

// WrapStore wraps a remote store error with context
func WrapStore(op string, err error) error {
	return New(ErrorTypeStore, op, err)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var perr *PurchaseError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, ErrStoreUnavailable)
}

// IsCancelled checks if an error represents a user-initiated cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrPurchaseCancelled)
}
