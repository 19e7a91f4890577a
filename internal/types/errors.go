package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidAmount    ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidKind      ErrorCode = "validation_invalid_credit_kind"
	ErrCodeValidationInvalidPayload   ErrorCode = "validation_invalid_payload"
	ErrCodeValidationSignatureInvalid ErrorCode = "validation_signature_invalid"
	ErrCodeValidationSignatureMissing ErrorCode = "validation_signature_missing"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationFailed           ErrorCode = "validation_failed"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundGateway      ErrorCode = "not_found_gateway"
	ErrCodeNotFoundTenant       ErrorCode = "not_found_tenant"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundWebhookLog   ErrorCode = "not_found_webhook_log"

	// Conflict (409)
	ErrCodeConflictAlreadyProcessed ErrorCode = "conflict_already_processed"
	ErrCodeConflictUnverified       ErrorCode = "conflict_webhook_unverified"

	// Payment (402)
	ErrCodePaymentDeclined            ErrorCode = "payment_declined"
	ErrCodePaymentInsufficientCredits ErrorCode = "payment_insufficient_credits"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB              ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected      ErrorCode = "internal_unexpected_error"
	ErrCodeInternalLedgerInvariant ErrorCode = "internal_ledger_invariant"
	ErrCodeInternalPublish         ErrorCode = "internal_event_publish_failed"
	ErrCodeUpstreamGatewayRejected ErrorCode = "upstream_gateway_rejected"
	ErrCodeUpstreamUnavailable     ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited     ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnsupportedOp   ErrorCode = "upstream_operation_unsupported"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "payment_"):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamUnsupportedOp):
		return http.StatusNotImplemented // 501
	case s == string(ErrCodeUpstreamRateLimited), s == string(ErrCodeUpstreamUnavailable):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Is reports whether target is an AppError carrying the same code. This lets
// callers compare against the package-level sentinels with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// Sentinels for the billing error taxonomy. Compare with errors.Is; the match
// is by code so wrapped or detail-enriched copies still match.
var (
	ErrSignatureInvalid  = NewAppError(ErrCodeValidationSignatureInvalid, "webhook signature verification failed", nil)
	ErrLedgerInvariant   = NewAppError(ErrCodeInternalLedgerInvariant, "credit ledger invariant violated", nil)
	ErrInsufficientFunds = NewAppError(ErrCodePaymentInsufficientCredits, "insufficient credits", nil)
	ErrGatewayNotFound   = NewAppError(ErrCodeNotFoundGateway, "payment gateway not configured", nil)
)

// CodeOf extracts the ErrorCode from an error chain, or "" when the chain
// carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
