// Package clients holds the outbound HTTP integrations used by the agent
// executors, plus the failure classification shared by all of them.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError is returned when an upstream answered with a non-success code.
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying: rate limits,
// upstream 5xx, timeouts and network errors. Everything else (auth failures,
// validation rejections) is treated as terminal.
func Transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Transport-level failures (connection refused, DNS) arrive wrapped in
	// *url.Error, which implements net.Error, so they are caught above.
	return false
}
