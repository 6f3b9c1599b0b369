package usecase

import (
	"context"
	"fmt"
	"log"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	"inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/provider"
)

const inboxLabel = "INBOX"

// MessageUsecase exposes single-message reads and user flag changes.
type MessageUsecase interface {
	Get(tenantID, id string) (*domain.Message, error)
	ApplyMutation(ctx context.Context, tenantID, id string, m provider.Mutation) (*domain.Message, error)
}

type messageUsecase struct {
	messages  repository.MessageRepository
	accounts  accountrepo.AccountRepository
	vault     *accountusecase.CredentialVault
	providers *provider.Registry
}

// NewMessageUsecase creates a new message usecase
func NewMessageUsecase(
	messages repository.MessageRepository,
	accounts accountrepo.AccountRepository,
	vault *accountusecase.CredentialVault,
	providers *provider.Registry,
) MessageUsecase {
	return &messageUsecase{messages: messages, accounts: accounts, vault: vault, providers: providers}
}

func (u *messageUsecase) Get(tenantID, id string) (*domain.Message, error) {
	msg, err := u.messages.FindByID(tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, domain.ErrMessageNotFound
	}
	return msg, nil
}

// ApplyMutation changes read/starred/archived at the provider first and then
// mirrors the result locally.
func (u *messageUsecase) ApplyMutation(ctx context.Context, tenantID, id string, m provider.Mutation) (*domain.Message, error) {
	msg, err := u.Get(tenantID, id)
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return msg, nil
	}

	account, err := u.accounts.FindByID(msg.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.IsActive {
		return nil, accountdomain.ErrAccountNotFound
	}
	p, err := u.providers.Get(account.Provider)
	if err != nil {
		return nil, err
	}

	err = u.vault.WithToken(ctx, account, func(token string) error {
		return p.Mutate(ctx, token, msg.ProviderID, m)
	})
	if err != nil {
		return nil, fmt.Errorf("mutate message: %w", err)
	}

	if m.Read != nil {
		msg.IsRead = *m.Read
	}
	if m.Starred != nil {
		msg.IsStarred = *m.Starred
	}
	if m.Archived != nil {
		msg.Labels = withoutLabel(msg.Labels, inboxLabel)
		if !*m.Archived {
			msg.Labels = append(msg.Labels, inboxLabel)
		}
	}
	if err := u.messages.UpdateFlags(msg.ID, msg.IsRead, msg.IsStarred, msg.Labels); err != nil {
		return nil, err
	}
	log.Printf("[Message] Applied mutation to message %s", msg.ID)
	return msg, nil
}

func withoutLabel(labels domain.StringList, label string) domain.StringList {
	out := make(domain.StringList, 0, len(labels))
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}
