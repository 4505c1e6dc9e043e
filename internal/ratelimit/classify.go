package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// IsTransientStatus reports whether an HTTP status is worth retrying.
// 403 is treated as permanent: tile servers use it for missing coverage as often as for
// throttling.
func IsTransientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == 509: // Bandwidth Limit Exceeded
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// IsThrottleStatus reports whether a status signals the server is limiting us
func IsThrottleStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == 509
}

// IsTransientError reports whether a transport error is worth retrying
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
