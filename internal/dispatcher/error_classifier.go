package dispatcher

import (
	"context"
	"errors"
	"strings"
)

// isTransientError checks if error is likely to go away on retry
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network and storage errors (connection issues, timeouts)
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "too many open files") ||
		strings.Contains(errStr, "no space left") {
		return true
	}

	return false
}

// isFatalError checks if error is fatal and should not be retried
func isFatalError(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}

	var typeErr *UnknownTypeError
	if errors.As(err, &typeErr) {
		return true
	}

	// Malformed task payloads never decode on a later attempt either.
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "invalid payload") ||
		strings.Contains(errStr, "malformed") {
		return true
	}

	return false
}

// classify labels an error for logs.
func classify(err error) string {
	switch {
	case isFatalError(err):
		return "fatal"
	case isTransientError(err):
		return "transient"
	default:
		return "unknown"
	}
}

// isTimeoutError checks if error is specifically a timeout
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}
