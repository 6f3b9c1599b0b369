package domain

import (
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("message not found")

// FollowUpStatus is the follow-up lifecycle of a single message.
type FollowUpStatus string

const (
	FollowUpNone      FollowUpStatus = "none"
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpDue       FollowUpStatus = "due"
	FollowUpSnoozed   FollowUpStatus = "snoozed"
	FollowUpCompleted FollowUpStatus = "completed"
)

func (s FollowUpStatus) Valid() bool {
	switch s {
	case FollowUpNone, FollowUpPending, FollowUpDue, FollowUpSnoozed, FollowUpCompleted:
		return true
	}
	return false
}

// Message is one normalized mail item. (account_id, provider_id) is unique.
type Message struct {
	ID                string         `json:"id" gorm:"primaryKey"`
	TenantID          string         `json:"tenant_id" gorm:"not null;index"`
	AccountID         string         `json:"account_id" gorm:"not null;uniqueIndex:idx_account_provider_msg;index:idx_account_received"`
	ProviderID        string         `json:"provider_id" gorm:"not null;uniqueIndex:idx_account_provider_msg"`
	ThreadID          string         `json:"thread_id" gorm:"index"`
	ProviderThreadID  string         `json:"provider_thread_id"`
	Subject           string         `json:"subject"`
	Snippet           string         `json:"snippet"`
	BodyText          string         `json:"body_text" gorm:"type:text"`
	BodyHTML          string         `json:"body_html" gorm:"type:text"`
	FromName          string         `json:"from_name"`
	FromAddress       string         `json:"from_address" gorm:"index"`
	To                AddressList    `json:"to" gorm:"type:text"`
	Cc                AddressList    `json:"cc" gorm:"type:text"`
	Bcc               AddressList    `json:"bcc" gorm:"type:text"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null;index:idx_account_received"`
	IsRead            bool           `json:"is_read"`
	IsStarred         bool           `json:"is_starred"`
	HasAttachments    bool           `json:"has_attachments"`
	Labels            StringList     `json:"labels" gorm:"type:text"`
	AICategory        *string        `json:"ai_category"`
	AIPriority        *int           `json:"ai_priority"`
	AISummary         *string        `json:"ai_summary" gorm:"type:text"`
	AISuggestedAction *string        `json:"ai_suggested_action"`
	AIProcessedAt     *time.Time     `json:"ai_processed_at" gorm:"index"`
	AITriageFailedAt  *time.Time     `json:"ai_triage_failed_at,omitempty"`
	FollowUpStatus    FollowUpStatus `json:"follow_up_status" gorm:"not null;default:none;index"`
	FollowUpDueAt     *time.Time     `json:"follow_up_due_at" gorm:"index"`
	ProviderDeletedAt *time.Time     `json:"provider_deleted_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Classified reports whether the triage result has been stored.
func (m *Message) Classified() bool {
	return m.AIProcessedAt != nil
}

// Preview is the bounded excerpt handed to the AI backend.
func (m *Message) Preview() string {
	if m.Snippet != "" {
		return m.Snippet
	}
	body := []rune(m.BodyText)
	if len(body) > 500 {
		body = body[:500]
	}
	return string(body)
}

// Thread is the per-account conversation aggregate, upserted as messages
// arrive.
type Thread struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	AccountID        string    `json:"account_id" gorm:"not null;uniqueIndex:idx_account_provider_thread"`
	ProviderThreadID string    `json:"provider_thread_id" gorm:"not null;uniqueIndex:idx_account_provider_thread"`
	Subject          string    `json:"subject"`
	LastMessageAt    time.Time `json:"last_message_at"`
	MessageCount     int       `json:"message_count" gorm:"not null;default:0"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Triage is the set of AI fields written when a message is classified.
type Triage struct {
	Category        string
	Priority        int
	Summary         string
	SuggestedAction string
	ProcessedAt     time.Time
}
