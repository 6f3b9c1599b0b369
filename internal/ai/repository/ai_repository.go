package repository

import (
	"errors"
	"time"

	"inboxpilot-backend/internal/ai/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StyleProfileRepository defines the interface for style profile operations
type StyleProfileRepository interface {
	Save(profile *domain.StyleProfile) error
	Find(tenantID, userID string) (*domain.StyleProfile, error)
}

type styleProfileRepository struct {
	db *gorm.DB
}

// NewStyleProfileRepository creates a new instance of styleProfileRepository
func NewStyleProfileRepository(db *gorm.DB) StyleProfileRepository {
	return &styleProfileRepository{db: db}
}

// Save replaces the user's profile (atomic upsert on tenant and user).
func (r *styleProfileRepository) Save(profile *domain.StyleProfile) error {
	now := time.Now().UTC()
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	profile.CreatedAt = now
	profile.UpdatedAt = now
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "greetings", "sign_offs", "tone", "common_phrases",
			"formality", "style_summary", "sample_count", "analyzed_at", "updated_at",
		}),
	}).Create(profile).Error
}

func (r *styleProfileRepository) Find(tenantID, userID string) (*domain.StyleProfile, error) {
	var profile domain.StyleProfile
	err := r.db.Where("tenant_id = ? AND user_id = ?", tenantID, userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// DraftRepository defines the interface for generated draft storage
type DraftRepository interface {
	Create(draft *domain.Draft) error
	ListByMessage(tenantID, messageID string) ([]*domain.Draft, error)
}

type draftRepository struct {
	db *gorm.DB
}

// NewDraftRepository creates a new instance of draftRepository
func NewDraftRepository(db *gorm.DB) DraftRepository {
	return &draftRepository{db: db}
}

func (r *draftRepository) Create(draft *domain.Draft) error {
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.CreatedAt = time.Now().UTC()
	return r.db.Create(draft).Error
}

func (r *draftRepository) ListByMessage(tenantID, messageID string) ([]*domain.Draft, error) {
	var drafts []*domain.Draft
	err := r.db.Where("tenant_id = ? AND reply_to_message_id = ?", tenantID, messageID).
		Order("created_at DESC").
		Find(&drafts).Error
	return drafts, err
}
