package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ProviderError is returned for any failed call to an external mail service.
type ProviderError struct {
	Provider  Kind
	Op        string
	Status    int
	Retryable bool
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.Status, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether the orchestrator should try again.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// IsAuth reports a rejected credential, the single case that warrants a
// refresh before escalating.
func (e *ProviderError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// RetryableStatus maps an HTTP status to the retry decision: 429 and 5xx are
// transient, everything else is not.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func NewStatusError(kind Kind, op string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:  kind,
		Op:        op,
		Status:    status,
		Retryable: RetryableStatus(status),
		Message:   message,
	}
}

// NewTransportError wraps a failure that never produced a status code.
// Timeouts and network errors are retryable; cancellation is not.
func NewTransportError(kind Kind, op string, err error) *ProviderError {
	var netErr net.Error
	retryable := errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, context.Canceled)
	return &ProviderError{Provider: kind, Op: op, Retryable: retryable, Err: err}
}

// AsProviderError unwraps err into a *ProviderError if it holds one.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsAuthError reports whether err carries a 401/403 from a provider.
func IsAuthError(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.IsAuth()
}
