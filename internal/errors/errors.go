package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/timelock-gifts/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents bad caller input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents unknown gifts or wallets
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents double claims, reservations and illegal transitions
	CategoryConflict ErrorCategory = "conflict"
	// CategoryAuthorization represents rejected admin credentials
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryRateLimit represents throttled callers
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryNetwork represents chain RPC failures and timeouts
	CategoryNetwork ErrorCategory = "network"
	// CategoryContract represents reverted or failed on-chain transactions
	CategoryContract ErrorCategory = "contract"
	// CategoryDatabase represents store failures
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents everything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes surfaced to API callers
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadyClaimed    = "ALREADY_CLAIMED"
	CodePaymentPending    = "PAYMENT_PENDING"
	CodeNotClaimable      = "GIFT_NOT_CLAIMABLE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeWalletReserved    = "WALLET_RESERVED"
	CodeLockExhausted     = "LOCK_ATTEMPTS_EXHAUSTED"
	CodeNoWallet          = "NO_WALLET_AVAILABLE"
	CodeNetwork           = "NETWORK_ERROR"
	CodeContract          = "CONTRACT_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a validation error for a single field
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    fmt.Sprintf("%s %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error with a specific code
func NewConflictError(code string, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       code,
		Message:    message,
	}
}

// NewAlreadyClaimedError reports a second claim on a gift
func NewAlreadyClaimedError(giftCode string) *CategorizedError {
	err := NewConflictError(CodeAlreadyClaimed, "gift has already been claimed")
	err.Details = map[string]interface{}{"giftCode": giftCode}
	return err
}

// NewPaymentPendingError reports a claim on a gift whose payment has not cleared
func NewPaymentPendingError(giftCode string) *CategorizedError {
	err := NewConflictError(CodePaymentPending, "payment pending: gift cannot be claimed until payment is received")
	err.Details = map[string]interface{}{"giftCode": giftCode}
	return err
}

// NewInvalidTransitionError reports a rejected status change
func NewInvalidTransitionError(giftCode string, from, to types.GiftStatus) *CategorizedError {
	err := NewConflictError(CodeInvalidTransition, fmt.Sprintf("cannot move gift from %s to %s", from, to))
	err.Details = map[string]interface{}{"giftCode": giftCode, "from": string(from), "to": string(to)}
	return err
}

// NewNoWalletAvailableError reports an exhausted wallet pool
func NewNoWalletAvailableError() *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeNoWallet,
		Message:    "no wallets available",
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewNetworkError wraps a chain RPC failure that exhausted its retries
func NewNetworkError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNetwork,
		StatusCode: http.StatusBadGateway,
		Code:       CodeNetwork,
		Message:    fmt.Sprintf("chain call failed during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewContractError wraps a reverted or failed transaction
func NewContractError(operation string, txHash string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryContract,
		StatusCode: http.StatusBadGateway,
		Code:       CodeContract,
		Message:    fmt.Sprintf("transaction failed during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
			"txHash":    txHash,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error, looking through wrapping
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// IsCategory reports whether err belongs to the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == category
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryNetwork, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
