package repository

import (
	"errors"
	"time"

	"inboxpilot-backend/internal/followup/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AllTenants makes ListActive scan every tenant.
const AllTenants = "*"

// RuleRepository defines the interface for follow-up rule storage
type RuleRepository interface {
	Create(rule *domain.Rule) error
	Update(rule *domain.Rule) error
	Delete(tenantID, userID, ruleID string) (bool, error)
	FindByID(tenantID, userID, ruleID string) (*domain.Rule, error)
	ListByUser(tenantID, userID string) ([]*domain.Rule, error)
	// ListActive returns active rules of one tenant, or of all tenants when
	// tenantID is AllTenants.
	ListActive(tenantID string) ([]*domain.Rule, error)
}

type ruleRepository struct {
	db *gorm.DB
}

// NewRuleRepository creates a new instance of ruleRepository
func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &ruleRepository{db: db}
}

func (r *ruleRepository) Create(rule *domain.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return r.db.Create(rule).Error
}

func (r *ruleRepository) Update(rule *domain.Rule) error {
	rule.UpdatedAt = time.Now().UTC()
	return r.db.Model(&domain.Rule{}).
		Where("id = ? AND tenant_id = ?", rule.ID, rule.TenantID).
		Updates(map[string]interface{}{
			"name":              rule.Name,
			"conditions":        rule.Conditions,
			"follow_up_days":    rule.FollowUpDays,
			"reminder_template": rule.ReminderTemplate,
			"is_active":         rule.IsActive,
			"updated_at":        rule.UpdatedAt,
		}).Error
}

func (r *ruleRepository) Delete(tenantID, userID, ruleID string) (bool, error) {
	res := r.db.Where("id = ? AND tenant_id = ? AND user_id = ?", ruleID, tenantID, userID).Delete(&domain.Rule{})
	return res.RowsAffected > 0, res.Error
}

func (r *ruleRepository) FindByID(tenantID, userID, ruleID string) (*domain.Rule, error) {
	var rule domain.Rule
	err := r.db.Where("id = ? AND tenant_id = ? AND user_id = ?", ruleID, tenantID, userID).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (r *ruleRepository) ListByUser(tenantID, userID string) ([]*domain.Rule, error) {
	var rules []*domain.Rule
	err := r.db.Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("created_at DESC").
		Find(&rules).Error
	return rules, err
}

func (r *ruleRepository) ListActive(tenantID string) ([]*domain.Rule, error) {
	var rules []*domain.Rule
	q := r.db.Where("is_active = ?", true)
	if tenantID != AllTenants {
		q = q.Where("tenant_id = ?", tenantID)
	}
	err := q.Order("tenant_id, created_at").Find(&rules).Error
	return rules, err
}
