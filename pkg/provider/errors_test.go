package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNewStatusErrorRetryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		auth      bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusNotFound, false, false},
		{http.StatusBadRequest, false, false},
	}
	for _, tc := range cases {
		err := NewStatusError(KindGmail, "list", tc.status, "boom")
		if err.Retryable != tc.retryable {
			t.Errorf("status %d: Retryable = %v, want %v", tc.status, err.Retryable, tc.retryable)
		}
		if err.IsAuth() != tc.auth {
			t.Errorf("status %d: IsAuth = %v, want %v", tc.status, err.IsAuth(), tc.auth)
		}
	}
}

func TestTransportErrors(t *testing.T) {
	if !NewTransportError(KindOutlook, "fetch", context.DeadlineExceeded).Retryable {
		t.Error("deadline exceeded should be retryable")
	}
	if NewTransportError(KindOutlook, "fetch", context.Canceled).Retryable {
		t.Error("cancellation should not be retryable")
	}
}

func TestAsProviderErrorThroughWrapping(t *testing.T) {
	base := NewStatusError(KindGmail, "refresh", http.StatusUnauthorized, "invalid_grant")
	wrapped := fmt.Errorf("sync page: %w", base)

	pe, ok := AsProviderError(wrapped)
	if !ok || pe != base {
		t.Fatalf("AsProviderError did not unwrap: %v", wrapped)
	}
	if !IsAuthError(wrapped) {
		t.Error("IsAuthError should see the wrapped 401")
	}
	if IsAuthError(errors.New("plain")) {
		t.Error("plain error is not an auth error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(KindGmail); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
