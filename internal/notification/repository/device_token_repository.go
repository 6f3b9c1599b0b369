package repository

import (
	"time"

	"inboxpilot-backend/internal/notification/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceTokenRepository stores push registrations per user.
type DeviceTokenRepository interface {
	Save(userID, token, deviceInfo string) error
	FindByUser(userID string) ([]domain.DeviceToken, error)
	Delete(tokens ...string) error
}

type deviceTokenRepository struct {
	db *gorm.DB
}

// NewDeviceTokenRepository creates a new instance of deviceTokenRepository
func NewDeviceTokenRepository(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepository{db: db}
}

// Save registers token for userID. A token re-registered by another user
// moves to that user.
func (r *deviceTokenRepository) Save(userID, token, deviceInfo string) error {
	now := time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "device_info", "updated_at"}),
	}).Create(&domain.DeviceToken{
		ID:         uuid.New().String(),
		UserID:     userID,
		Token:      token,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

func (r *deviceTokenRepository) FindByUser(userID string) ([]domain.DeviceToken, error) {
	var tokens []domain.DeviceToken
	if err := r.db.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *deviceTokenRepository) Delete(tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	return r.db.Where("token IN ?", tokens).Delete(&domain.DeviceToken{}).Error
}
