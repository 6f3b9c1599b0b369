package domain

import (
	"errors"
	"fmt"
	"time"

	aidomain "inboxpilot-backend/internal/ai/domain"
	emaildomain "inboxpilot-backend/internal/email/domain"
)

const (
	DefaultFollowUpDays = 3
	MinFollowUpDays     = 1
	MaxFollowUpDays     = 30
	MinSnoozeDays       = 1
	MaxSnoozeDays       = 30
)

var (
	ErrRuleNotFound      = errors.New("follow-up rule not found")
	ErrFollowUpCompleted = errors.New("follow-up is already completed")
)

// RuleValidationError rejects a rule or follow-up action before anything is
// written.
type RuleValidationError struct {
	Field  string
	Reason string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Rule flags unanswered mail for follow-up after FollowUpDays.
type Rule struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	TenantID         string     `json:"tenant_id" gorm:"not null;index"`
	UserID           string     `json:"user_id" gorm:"not null;index"`
	Name             string     `json:"name"`
	Conditions       Conditions `json:"conditions" gorm:"type:text;not null"`
	FollowUpDays     int        `json:"followUpDays" gorm:"not null;default:3"`
	ReminderTemplate string     `json:"reminderTemplate,omitempty"`
	IsActive         bool       `json:"isActive" gorm:"not null;default:true"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Rule) TableName() string {
	return "follow_up_rules"
}

// Validate checks the conditions and the delay bounds.
func (r *Rule) Validate() error {
	if err := r.Conditions.Validate(); err != nil {
		return err
	}
	if r.FollowUpDays < MinFollowUpDays || r.FollowUpDays > MaxFollowUpDays {
		return &RuleValidationError{
			Field:  "followUpDays",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinFollowUpDays, MaxFollowUpDays, r.FollowUpDays),
		}
	}
	return nil
}

// ValidateSnoozeDays checks a snooze duration.
func ValidateSnoozeDays(days int) error {
	if days < MinSnoozeDays || days > MaxSnoozeDays {
		return &RuleValidationError{
			Field:  "days",
			Reason: fmt.Sprintf("snooze duration must be between %d and %d days", MinSnoozeDays, MaxSnoozeDays),
		}
	}
	return nil
}

// RuleInput is the writable part of a rule. Nil fields are left unchanged
// on update.
type RuleInput struct {
	Name             *string     `json:"name,omitempty"`
	Conditions       *Conditions `json:"conditions,omitempty"`
	FollowUpDays     *int        `json:"followUpDays,omitempty"`
	ReminderTemplate *string     `json:"reminderTemplate,omitempty"`
	IsActive         *bool       `json:"isActive,omitempty"`
}

// Policy holds scan tunables.
type Policy struct {
	// DefaultCategories restrict rules that carry no category condition.
	// Empty means no restriction.
	DefaultCategories []aidomain.Category
	BatchSize         int
}

// DefaultPolicy flags only urgent and action_required mail.
func DefaultPolicy() Policy {
	return Policy{
		DefaultCategories: []aidomain.Category{aidomain.CategoryUrgent, aidomain.CategoryActionRequired},
		BatchSize:         100,
	}
}

// ScanResult counts transitions made by one scan.
type ScanResult struct {
	Matched int `json:"matched"`
	Due     int `json:"due"`
}

// Stats counts messages per follow-up status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Due       int64 `json:"due"`
	Snoozed   int64 `json:"snoozed"`
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

// Page is one page of follow-up messages.
type Page struct {
	Messages []*emaildomain.Message `json:"emails"`
	Page     int                    `json:"page"`
	Limit    int                    `json:"limit"`
	Total    int64                  `json:"total"`
	HasMore  bool                   `json:"hasMore"`
}
