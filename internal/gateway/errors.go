package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorCode classifies a failed provider call. Raw transport errors never
// cross the client boundary.
type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeRateLimited  ErrorCode = "RATE_LIMITED"
	CodeServerError  ErrorCode = "SERVER_ERROR"
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT_ERROR"
	CodeUnknown      ErrorCode = "UNKNOWN_ERROR"
)

// Error is the classified outcome of an exhausted or non-retryable call.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Attempts   int
	Elapsed    time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s (status=%d attempts=%d): %s", e.Code, e.StatusCode, e.Attempts, e.Message)
}

// classifyStatus maps an HTTP status to an error code.
func classifyStatus(status int) ErrorCode {
	switch {
	case status == 401 || status == 403:
		return CodeUnauthorized
	case status == 408:
		return CodeTimeout
	case status == 429:
		return CodeRateLimited
	case status >= 400 && status < 500:
		return CodeBadRequest
	case status >= 500:
		return CodeServerError
	}
	return CodeUnknown
}

// classifyTransport maps a transport-level error to an error code.
func classifyTransport(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetworkError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNetworkError
	}
	return CodeNetworkError
}

// retryableStatus reports whether the HTTP status warrants another attempt.
func retryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
