package repository

import (
	"errors"
	"strings"
	"time"

	"inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/pkg/provider"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository persists normalized messages and their thread aggregates.
type MessageRepository interface {
	SaveNormalized(tenantID, accountID string, nm *provider.NormalizedMessage) (created bool, err error)
	MarkProviderDeleted(accountID string, providerIDs []string, at time.Time) (int64, error)
	FindUnclassified(accountID string, limit int) ([]*domain.Message, error)
	FindByID(tenantID, id string) (*domain.Message, error)
	FindByIDAny(id string) (*domain.Message, error)
	FindByProviderID(accountID, providerID string) (*domain.Message, error)
	SaveTriage(id string, triage domain.Triage) (bool, error)
	MarkTriageFailed(id string, at time.Time) error
	FindRecentFromAddresses(tenantID string, addresses []string, limit int) ([]*domain.Message, error)
	CountByAccount(accountID string) (int64, error)
	FindThread(accountID, providerThreadID string) (*domain.Thread, error)
	UpdateFlags(id string, isRead, isStarred bool, labels domain.StringList) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new instance of messageRepository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// SaveNormalized inserts a message the first time its provider id is seen
// for the account. A repeat only refreshes the mutable flags.
func (r *messageRepository) SaveNormalized(tenantID, accountID string, nm *provider.NormalizedMessage) (bool, error) {
	created := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		msg := newMessage(tenantID, accountID, nm)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider_id"}},
			DoNothing: true,
		}).Create(msg)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return tx.Model(&domain.Message{}).
				Where("account_id = ? AND provider_id = ?", accountID, nm.ProviderID).
				Updates(map[string]interface{}{
					"is_read":    nm.IsRead,
					"is_starred": nm.IsStarred,
					"labels":     domain.StringList(nm.Labels),
					"updated_at": time.Now().UTC(),
				}).Error
		}

		created = true
		threadID, err := upsertThread(tx, accountID, msg)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Message{}).Where("id = ?", msg.ID).Update("thread_id", threadID).Error
	})
	return created, err
}

func upsertThread(tx *gorm.DB, accountID string, msg *domain.Message) (string, error) {
	now := time.Now().UTC()
	thread := &domain.Thread{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		ProviderThreadID: msg.ProviderThreadID,
		Subject:          msg.Subject,
		LastMessageAt:    msg.ReceivedAt,
		MessageCount:     1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "provider_thread_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"message_count":   gorm.Expr("threads.message_count + 1"),
			"last_message_at": gorm.Expr("CASE WHEN excluded.last_message_at > threads.last_message_at THEN excluded.last_message_at ELSE threads.last_message_at END"),
			"updated_at":      now,
		}),
	}).Create(thread).Error
	if err != nil {
		return "", err
	}

	var stored domain.Thread
	if err := tx.Select("id").
		Where("account_id = ? AND provider_thread_id = ?", accountID, msg.ProviderThreadID).
		Take(&stored).Error; err != nil {
		return "", err
	}
	return stored.ID, nil
}

func newMessage(tenantID, accountID string, nm *provider.NormalizedMessage) *domain.Message {
	threadKey := nm.ProviderThreadID
	if threadKey == "" {
		threadKey = nm.ProviderID
	}
	now := time.Now().UTC()
	return &domain.Message{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		AccountID:        accountID,
		ProviderID:       nm.ProviderID,
		ProviderThreadID: threadKey,
		Subject:          nm.Subject,
		Snippet:          nm.Snippet,
		BodyText:         nm.BodyText,
		BodyHTML:         nm.BodyHTML,
		FromName:         nm.From.Name,
		FromAddress:      strings.ToLower(nm.From.Address),
		To:               toAddressList(nm.To),
		Cc:               toAddressList(nm.Cc),
		Bcc:              toAddressList(nm.Bcc),
		ReceivedAt:       nm.ReceivedAt.UTC(),
		IsRead:           nm.IsRead,
		IsStarred:        nm.IsStarred,
		HasAttachments:   nm.HasAttachments,
		Labels:           domain.StringList(nm.Labels),
		FollowUpStatus:   domain.FollowUpNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func toAddressList(in []provider.Address) domain.AddressList {
	out := make(domain.AddressList, 0, len(in))
	for _, a := range in {
		out = append(out, domain.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// MarkProviderDeleted records provider-side deletion. Rows are kept.
func (r *messageRepository) MarkProviderDeleted(accountID string, providerIDs []string, at time.Time) (int64, error) {
	if len(providerIDs) == 0 {
		return 0, nil
	}
	res := r.db.Model(&domain.Message{}).
		Where("account_id = ? AND provider_id IN ? AND provider_deleted_at IS NULL", accountID, providerIDs).
		Update("provider_deleted_at", at.UTC())
	return res.RowsAffected, res.Error
}

// FindUnclassified returns the newest messages still waiting for triage.
// Messages whose triage already failed come after all others.
func (r *messageRepository) FindUnclassified(accountID string, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.Where("account_id = ? AND ai_processed_at IS NULL AND provider_deleted_at IS NULL", accountID).
		Order("CASE WHEN ai_triage_failed_at IS NULL THEN 0 ELSE 1 END, received_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) FindByID(tenantID, id string) (*domain.Message, error) {
	return r.first(r.db.Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *messageRepository) FindByIDAny(id string) (*domain.Message, error) {
	return r.first(r.db.Where("id = ?", id))
}

func (r *messageRepository) FindByProviderID(accountID, providerID string) (*domain.Message, error) {
	return r.first(r.db.Where("account_id = ? AND provider_id = ?", accountID, providerID))
}

func (r *messageRepository) first(q *gorm.DB) (*domain.Message, error) {
	var msg domain.Message
	if err := q.First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// SaveTriage writes the AI fields once. It reports false when the message was
// already classified by another delivery.
func (r *messageRepository) SaveTriage(id string, triage domain.Triage) (bool, error) {
	res := r.db.Model(&domain.Message{}).
		Where("id = ? AND ai_processed_at IS NULL", id).
		Updates(map[string]interface{}{
			"ai_category":         triage.Category,
			"ai_priority":         triage.Priority,
			"ai_summary":          triage.Summary,
			"ai_suggested_action": triage.SuggestedAction,
			"ai_processed_at":     triage.ProcessedAt.UTC(),
			"ai_triage_failed_at": nil,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkTriageFailed records that classification of the message gave up.
func (r *messageRepository) MarkTriageFailed(id string, at time.Time) error {
	return r.db.Model(&domain.Message{}).
		Where("id = ? AND ai_processed_at IS NULL", id).
		Update("ai_triage_failed_at", at.UTC()).Error
}

// FindRecentFromAddresses returns the newest messages sent from any of the
// given addresses.
func (r *messageRepository) FindRecentFromAddresses(tenantID string, addresses []string, limit int) ([]*domain.Message, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}
	var msgs []*domain.Message
	err := r.db.Where("tenant_id = ? AND from_address IN ?", tenantID, lowered).
		Order("received_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) CountByAccount(accountID string) (int64, error) {
	var n int64
	err := r.db.Model(&domain.Message{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}

func (r *messageRepository) FindThread(accountID, providerThreadID string) (*domain.Thread, error) {
	var t domain.Thread
	err := r.db.Where("account_id = ? AND provider_thread_id = ?", accountID, providerThreadID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// UpdateFlags mirrors a mutation that was already applied at the provider.
func (r *messageRepository) UpdateFlags(id string, isRead, isStarred bool, labels domain.StringList) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_read":    isRead,
		"is_starred": isStarred,
		"labels":     labels,
		"updated_at": time.Now().UTC(),
	}).Error
}
