package usecase

import (
	"context"
	"fmt"
	"log"
	"strings"

	"inboxpilot-backend/internal/account/domain"
	"inboxpilot-backend/internal/account/repository"
	"inboxpilot-backend/pkg/provider"
)

// AccountUsecase covers the account lifecycle around credential storage.
type AccountUsecase interface {
	Connect(ctx context.Context, tenantID, userID string, kind provider.Kind, code string) (*domain.Account, error)
	ConnectWithCredentials(ctx context.Context, tenantID, userID string, kind provider.Kind, creds *provider.Credentials) (*domain.Account, error)
	Disconnect(accountID string) error
	Get(accountID string) (*domain.Account, error)
	ListByUser(tenantID, userID string) ([]*domain.Account, error)
}

type accountUsecase struct {
	repo      repository.AccountRepository
	providers *provider.Registry
	vault     *CredentialVault
}

func NewAccountUsecase(repo repository.AccountRepository, providers *provider.Registry, vault *CredentialVault) AccountUsecase {
	return &accountUsecase{repo: repo, providers: providers, vault: vault}
}

// Connect finishes an authorization-code grant that the HTTP layer received.
func (u *accountUsecase) Connect(ctx context.Context, tenantID, userID string, kind provider.Kind, code string) (*domain.Account, error) {
	p, err := u.providers.Get(kind)
	if err != nil {
		return nil, err
	}
	creds, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return u.ConnectWithCredentials(ctx, tenantID, userID, kind, creds)
}

// ConnectWithCredentials creates the account for a freshly granted pair, or
// reactivates and re-keys an existing one for the same mailbox.
func (u *accountUsecase) ConnectWithCredentials(ctx context.Context, tenantID, userID string, kind provider.Kind, creds *provider.Credentials) (*domain.Account, error) {
	p, err := u.providers.Get(kind)
	if err != nil {
		return nil, err
	}
	email, err := p.ResolveAccountEmail(ctx, creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve account email: %w", err)
	}
	email = strings.ToLower(email)

	existing, err := u.repo.FindByUser(tenantID, userID)
	if err != nil {
		return nil, err
	}
	var account *domain.Account
	for _, a := range existing {
		if strings.EqualFold(a.EmailAddress, email) && a.Provider == kind {
			account = a
			break
		}
	}

	if account == nil {
		account = &domain.Account{
			TenantID:     tenantID,
			UserID:       userID,
			Provider:     kind,
			EmailAddress: email,
		}
		if err := u.repo.Create(account); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		log.Printf("[Account] Connected %s account %s for user %s", kind, email, userID)
	} else if !account.IsActive {
		return nil, fmt.Errorf("account %s was disconnected and must be recreated", account.ID)
	}

	if err := u.vault.StoreCredentials(account, creds); err != nil {
		return nil, err
	}
	return account, nil
}

// Disconnect is terminal: the account stops syncing and never reactivates.
func (u *accountUsecase) Disconnect(accountID string) error {
	account, err := u.repo.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	return u.repo.Deactivate(accountID)
}

func (u *accountUsecase) Get(accountID string) (*domain.Account, error) {
	return u.repo.FindByID(accountID)
}

func (u *accountUsecase) ListByUser(tenantID, userID string) ([]*domain.Account, error) {
	return u.repo.FindByUser(tenantID, userID)
}
