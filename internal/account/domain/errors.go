package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidTransition = errors.New("invalid training status transition")
)

// CredentialExpiredError means the account's credentials could not be
// renewed and the user has to reconnect.
type CredentialExpiredError struct {
	AccountID string
	Err       error
}

func (e *CredentialExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials expired for account %s: %v", e.AccountID, e.Err)
	}
	return fmt.Sprintf("credentials expired for account %s", e.AccountID)
}

func (e *CredentialExpiredError) Unwrap() error { return e.Err }

// IsRetryable is false: retrying cannot revive a revoked grant.
func (e *CredentialExpiredError) IsRetryable() bool { return false }
