package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"inboxpilot-backend/internal/account/domain"
	"inboxpilot-backend/internal/account/repository"
	"inboxpilot-backend/pkg/provider"
	"inboxpilot-backend/pkg/utils/crypto"

	"golang.org/x/sync/singleflight"
)

const expirySkew = 60 * time.Second

// CredentialVault hands out usable access tokens, refreshing them through
// the account's provider when they are stale. Concurrent refreshes for the
// same account collapse into one upstream call.
type CredentialVault struct {
	repo      repository.AccountRepository
	providers *provider.Registry
	enc       *crypto.Encryptor
	group     singleflight.Group
	now       func() time.Time
}

func NewCredentialVault(repo repository.AccountRepository, providers *provider.Registry, enc *crypto.Encryptor) *CredentialVault {
	return &CredentialVault{
		repo:      repo,
		providers: providers,
		enc:       enc,
		now:       time.Now,
	}
}

func (v *CredentialVault) fresh(account *domain.Account) bool {
	return account.TokenExpiresAt != nil && account.TokenExpiresAt.After(v.now().Add(expirySkew))
}

// GetValidAccessToken returns the decrypted access token, refreshing it first
// if it expires within the skew window.
func (v *CredentialVault) GetValidAccessToken(ctx context.Context, account *domain.Account) (string, error) {
	if v.fresh(account) && account.AccessTokenEncrypted != "" {
		return v.enc.Decrypt(account.TenantID, account.AccessTokenEncrypted)
	}

	token, err, shared := v.group.Do(account.ID, func() (interface{}, error) {
		return v.refresh(ctx, account.ID, "")
	})
	if shared {
		log.Printf("[Vault] Shared refresh result for account %s", account.ID)
	}
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// ForceRefresh renews credentials after the provider rejected rejectedToken.
// If another caller already replaced that token, the replacement is returned
// without a second upstream call.
func (v *CredentialVault) ForceRefresh(ctx context.Context, account *domain.Account, rejectedToken string) (string, error) {
	token, err, _ := v.group.Do(account.ID, func() (interface{}, error) {
		return v.refresh(ctx, account.ID, rejectedToken)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (v *CredentialVault) refresh(ctx context.Context, accountID, rejectedToken string) (string, error) {
	account, err := v.repo.FindByID(accountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", domain.ErrAccountNotFound
	}

	current, err := v.enc.Decrypt(account.TenantID, account.AccessTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	if v.fresh(account) && current != "" && (rejectedToken == "" || current != rejectedToken) {
		return current, nil
	}

	refreshToken, err := v.enc.Decrypt(account.TenantID, account.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", &domain.CredentialExpiredError{AccountID: account.ID}
	}

	p, err := v.providers.Get(account.Provider)
	if err != nil {
		return "", err
	}

	log.Printf("[Vault] Refreshing %s credentials for account %s", account.Provider, account.ID)
	creds, err := p.Refresh(ctx, refreshToken)
	if err != nil {
		var pe *provider.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			return "", &domain.CredentialExpiredError{AccountID: account.ID, Err: err}
		}
		return "", err
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}

	if err := v.StoreCredentials(account, creds); err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// StoreCredentials encrypts and persists a credential pair under the
// account's tenant key.
func (v *CredentialVault) StoreCredentials(account *domain.Account, creds *provider.Credentials) error {
	accessEnc, err := v.enc.Encrypt(account.TenantID, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := v.enc.Encrypt(account.TenantID, creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expiresAt *time.Time
	if !creds.ExpiresAt.IsZero() {
		t := creds.ExpiresAt.UTC()
		expiresAt = &t
	}
	if err := v.repo.UpdateCredentials(account.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}

	account.AccessTokenEncrypted = accessEnc
	account.RefreshTokenEncrypted = refreshEnc
	account.TokenExpiresAt = expiresAt
	return nil
}

// WithToken runs fn with a valid access token. A 401/403 from fn triggers one
// forced refresh and a single retry; a second rejection escalates as
// CredentialExpiredError.
func (v *CredentialVault) WithToken(ctx context.Context, account *domain.Account, fn func(token string) error) error {
	token, err := v.GetValidAccessToken(ctx, account)
	if err != nil {
		return err
	}

	err = fn(token)
	if err == nil || !provider.IsAuthError(err) {
		return err
	}

	log.Printf("[Vault] Provider rejected token for account %s, forcing refresh", account.ID)
	token, err = v.ForceRefresh(ctx, account, token)
	if err != nil {
		return err
	}
	if err = fn(token); err != nil && provider.IsAuthError(err) {
		return &domain.CredentialExpiredError{AccountID: account.ID, Err: err}
	}
	return err
}
