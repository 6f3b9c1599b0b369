package domain

import (
	"time"

	"inboxpilot-backend/pkg/provider"
)

type TrainingStatus string

const (
	TrainingPending   TrainingStatus = "pending"
	TrainingIngesting TrainingStatus = "ingesting"
	TrainingAnalyzing TrainingStatus = "analyzing"
	TrainingCompleted TrainingStatus = "completed"
	TrainingFailed    TrainingStatus = "failed"
)

type AIHealth string

const (
	AIHealthOK       AIHealth = "ok"
	AIHealthDegraded AIHealth = "degraded"
)

// Account is one tenant-scoped connection to a mail provider.
type Account struct {
	ID                    string         `json:"id" gorm:"primaryKey"`
	TenantID              string         `json:"tenant_id" gorm:"not null;index;uniqueIndex:idx_tenant_email"`
	UserID                string         `json:"user_id" gorm:"not null;index"`
	Provider              provider.Kind  `json:"provider" gorm:"not null"`
	EmailAddress          string         `json:"email_address" gorm:"not null;index;uniqueIndex:idx_tenant_email"`
	DisplayName           string         `json:"display_name"`
	IsActive              bool           `json:"is_active" gorm:"not null;default:true"`
	AccessTokenEncrypted  string         `json:"-"`
	RefreshTokenEncrypted string         `json:"-"`
	TokenExpiresAt        *time.Time     `json:"token_expires_at"`
	LastSyncedAt          *time.Time     `json:"last_synced_at"`
	SyncCursor            string         `json:"-"`
	TrainingStatus        TrainingStatus `json:"training_status" gorm:"not null;default:pending"`
	AIHealth              AIHealth       `json:"ai_health" gorm:"not null;default:ok"`
	AILastError           string         `json:"ai_last_error,omitempty"`
	AIDegradedAt          *time.Time     `json:"ai_degraded_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// allowedFrom lists, for each target status, the states it may be entered
// from. pending never jumps straight to completed. Any state may re-enter
// ingesting so a finished account can be imported again, and any state may
// fail because a trained account still runs recurring syncs.
var allowedFrom = map[TrainingStatus][]TrainingStatus{
	TrainingPending:   {TrainingPending, TrainingFailed, TrainingCompleted},
	TrainingIngesting: {TrainingPending, TrainingIngesting, TrainingAnalyzing, TrainingCompleted, TrainingFailed},
	TrainingAnalyzing: {TrainingPending, TrainingIngesting, TrainingAnalyzing, TrainingCompleted, TrainingFailed},
	TrainingCompleted: {TrainingAnalyzing},
	TrainingFailed:    {TrainingPending, TrainingIngesting, TrainingAnalyzing, TrainingCompleted},
}

// AllowedFrom returns the source states for a transition into to.
func AllowedFrom(to TrainingStatus) []TrainingStatus {
	return allowedFrom[to]
}

func CanTransition(from, to TrainingStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

func (s TrainingStatus) Valid() bool {
	_, ok := allowedFrom[s]
	return ok
}
