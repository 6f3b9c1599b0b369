package repository

import (
	"errors"
	"fmt"
	"time"

	"inboxpilot-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountRepository defines persistence for connected mail accounts.
type AccountRepository interface {
	Create(account *domain.Account) error
	FindByID(id string) (*domain.Account, error)
	FindByEmail(email string) ([]*domain.Account, error)
	FindActive() ([]*domain.Account, error)
	FindByUser(tenantID, userID string) ([]*domain.Account, error)
	FindActiveByUser(tenantID, userID string) ([]*domain.Account, error)
	UpdateCredentials(id, accessEnc, refreshEnc string, expiresAt *time.Time) error
	MarkSynced(id string, at time.Time, cursor *string) error
	Deactivate(id string) error
	TransitionTraining(id string, to domain.TrainingStatus) error
	TransitionTrainingForUser(tenantID, userID string, to domain.TrainingStatus) (int64, error)
	TransitionTrainingForUserFrom(tenantID, userID string, from []domain.TrainingStatus, to domain.TrainingStatus) (int64, error)
	MarkAIDegraded(id, reason string, at time.Time) error
	MarkAIHealthy(id string) error
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.TrainingStatus == "" {
		account.TrainingStatus = domain.TrainingPending
	}
	if account.AIHealth == "" {
		account.AIHealth = domain.AIHealthOK
	}
	account.IsActive = true
	return r.db.Create(account).Error
}

func (r *accountRepository) FindByID(id string) (*domain.Account, error) {
	var account domain.Account
	if err := r.db.Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByEmail(email string) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Where("LOWER(email_address) = LOWER(?) AND is_active = ?", email, true).Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) FindActive() ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Where("is_active = ?", true).Order("created_at").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) FindByUser(tenantID, userID string) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Where("tenant_id = ? AND user_id = ?", tenantID, userID).Order("created_at").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) FindActiveByUser(tenantID, userID string) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Where("tenant_id = ? AND user_id = ? AND is_active = ?", tenantID, userID, true).
		Order("created_at").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) UpdateCredentials(id, accessEnc, refreshEnc string, expiresAt *time.Time) error {
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"access_token_encrypted":  accessEnc,
		"refresh_token_encrypted": refreshEnc,
		"token_expires_at":        expiresAt,
	}).Error
}

// MarkSynced stamps lastSyncedAt; a nil cursor leaves the stored cursor as is.
func (r *accountRepository) MarkSynced(id string, at time.Time, cursor *string) error {
	updates := map[string]interface{}{"last_synced_at": at}
	if cursor != nil {
		updates["sync_cursor"] = *cursor
	}
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Updates(updates).Error
}

func (r *accountRepository) Deactivate(id string) error {
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Update("is_active", false).Error
}

// TransitionTraining applies a status change only if the current status
// permits it. The check and the write are one UPDATE so concurrent jobs for
// the same account cannot interleave.
func (r *accountRepository) TransitionTraining(id string, to domain.TrainingStatus) error {
	from := domain.AllowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, to)
	}

	res := r.db.Model(&domain.Account{}).
		Where("id = ? AND training_status IN ?", id, from).
		Update("training_status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	account, err := r.FindByID(id)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	if account.TrainingStatus == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, account.TrainingStatus, to)
}

// TransitionTrainingForUser moves every account of a user that is allowed to
// make the transition and reports how many moved.
func (r *accountRepository) TransitionTrainingForUser(tenantID, userID string, to domain.TrainingStatus) (int64, error) {
	from := domain.AllowedFrom(to)
	if len(from) == 0 {
		return 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, to)
	}
	res := r.db.Model(&domain.Account{}).
		Where("tenant_id = ? AND user_id = ? AND training_status IN ?", tenantID, userID, from).
		Update("training_status", to)
	return res.RowsAffected, res.Error
}

// TransitionTrainingForUserFrom is TransitionTrainingForUser narrowed to the
// given source states. Sources the transition table forbids are ignored.
func (r *accountRepository) TransitionTrainingForUserFrom(tenantID, userID string, from []domain.TrainingStatus, to domain.TrainingStatus) (int64, error) {
	var allowed []domain.TrainingStatus
	for _, s := range from {
		if domain.CanTransition(s, to) {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) == 0 {
		return 0, fmt.Errorf("%w: no permitted source for %q", domain.ErrInvalidTransition, to)
	}
	res := r.db.Model(&domain.Account{}).
		Where("tenant_id = ? AND user_id = ? AND training_status IN ?", tenantID, userID, allowed).
		Update("training_status", to)
	return res.RowsAffected, res.Error
}

func (r *accountRepository) MarkAIDegraded(id, reason string, at time.Time) error {
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"ai_health":      domain.AIHealthDegraded,
		"ai_last_error":  reason,
		"ai_degraded_at": at,
	}).Error
}

func (r *accountRepository) MarkAIHealthy(id string) error {
	return r.db.Model(&domain.Account{}).
		Where("id = ? AND ai_health <> ?", id, domain.AIHealthOK).
		Updates(map[string]interface{}{
			"ai_health":      domain.AIHealthOK,
			"ai_last_error":  "",
			"ai_degraded_at": nil,
		}).Error
}
