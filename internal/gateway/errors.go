package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"billingledger/internal/types"
)

// IsRetryable reports whether a failed adapter call may succeed if repeated:
// network failures, timeouts, 429, 5xx and an open circuit breaker. Rejected
// requests, declined payments, validation errors and caller cancellation are
// terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamUnavailable, types.ErrCodeUpstreamRateLimited:
		return true
	case "":
		var netErr net.Error
		return errors.As(err, &netErr)
	}
	return false
}

// statusError classifies a non-2xx provider response.
func statusError(gateway types.GatewayName, op string, status int, message, code string, declined bool) *types.AppError {
	details := map[string]any{
		"gateway":     gateway,
		"operation":   op,
		"http_status": status,
	}
	if code != "" {
		details["provider_code"] = code
	}

	var errCode types.ErrorCode
	switch {
	case declined || status == http.StatusPaymentRequired:
		errCode = types.ErrCodePaymentDeclined
	case status == http.StatusTooManyRequests:
		errCode = types.ErrCodeUpstreamRateLimited
	case status >= 500:
		errCode = types.ErrCodeUpstreamUnavailable
	default:
		errCode = types.ErrCodeUpstreamGatewayRejected
	}
	return types.NewAppErrorWithDetails(errCode,
		fmt.Sprintf("%s %s failed (%d): %s", gateway, op, status, message), nil, details)
}

// transportError adds gateway context to a BaseClient failure while
// keeping its classification.
func transportError(gateway types.GatewayName, op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.WithDetails(map[string]any{"gateway": gateway, "operation": op})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("%s %s request failed", gateway, op), err,
		map[string]any{"gateway": gateway, "operation": op})
}

func unsupported(gateway types.GatewayName, op string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnsupportedOp,
		fmt.Sprintf("%s does not support %s", gateway, op), nil,
		map[string]any{"gateway": gateway, "operation": op})
}
