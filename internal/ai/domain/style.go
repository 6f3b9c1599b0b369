package domain

import (
	"fmt"
	"time"

	emaildomain "inboxpilot-backend/internal/email/domain"
)

type StyleStatus string

const (
	StyleReady     StyleStatus = "ready"
	StyleNoHistory StyleStatus = "no_history"
)

// StyleProfile is the per-user writing style extracted from sent mail.
type StyleProfile struct {
	ID            string                 `json:"id" gorm:"primaryKey"`
	TenantID      string                 `json:"tenant_id" gorm:"not null;uniqueIndex:idx_style_owner"`
	UserID        string                 `json:"user_id" gorm:"not null;uniqueIndex:idx_style_owner"`
	Status        StyleStatus            `json:"status" gorm:"not null"`
	Greetings     emaildomain.StringList `json:"greetings" gorm:"type:text"`
	SignOffs      emaildomain.StringList `json:"signOffs" gorm:"type:text"`
	Tone          string                 `json:"tone"`
	CommonPhrases emaildomain.StringList `json:"commonPhrases" gorm:"type:text"`
	Formality     string                 `json:"formality"`
	StyleSummary  string                 `json:"styleSummary" gorm:"type:text"`
	SampleCount   int                    `json:"sample_count"`
	AnalyzedAt    time.Time              `json:"analyzed_at"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// HasStyle reports whether the profile carries anything usable in a prompt.
func (p *StyleProfile) HasStyle() bool {
	return p != nil && p.Status == StyleReady &&
		(len(p.Greetings) > 0 || len(p.SignOffs) > 0 || p.Tone != "" || p.StyleSummary != "")
}

type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneFormal       Tone = "formal"
)

type Intent string

const (
	IntentAccept      Intent = "accept"
	IntentDecline     Intent = "decline"
	IntentFollowUp    Intent = "follow_up"
	IntentInfoRequest Intent = "info_request"
	IntentThankYou    Intent = "thank_you"
	IntentCustom      Intent = "custom"
)

var intentInstructions = map[Intent]string{
	IntentAccept:      "Write a positive response accepting the request/invitation",
	IntentDecline:     "Write a polite decline with brief reasoning",
	IntentFollowUp:    "Write a follow-up asking for status or more information",
	IntentInfoRequest: "Write a response requesting specific information",
	IntentThankYou:    "Write a thank you response",
}

// DraftOptions steer reply generation.
type DraftOptions struct {
	Tone    Tone   `json:"tone"`
	Intent  Intent `json:"intent"`
	Context string `json:"context,omitempty"`
}

func (o DraftOptions) Validate() error {
	switch o.Tone {
	case ToneProfessional, ToneCasual, ToneFormal:
	default:
		return fmt.Errorf("tone %q is not one of professional, casual, formal", o.Tone)
	}
	if o.Intent != IntentCustom {
		if _, ok := intentInstructions[o.Intent]; !ok {
			return fmt.Errorf("intent %q is not supported", o.Intent)
		}
	}
	return nil
}

// Instruction is the prompt line describing what the reply should do.
func (o DraftOptions) Instruction() string {
	if o.Intent == IntentCustom {
		if o.Context != "" {
			return o.Context
		}
		return "Write an appropriate response"
	}
	return intentInstructions[o.Intent]
}

// Draft is a generated reply kept for the user to review.
type Draft struct {
	ID               string                  `json:"id" gorm:"primaryKey"`
	TenantID         string                  `json:"tenant_id" gorm:"not null;index"`
	UserID           string                  `json:"user_id" gorm:"not null;index"`
	AccountID        string                  `json:"account_id" gorm:"not null"`
	ReplyToMessageID string                  `json:"reply_to_message_id" gorm:"index"`
	Subject          string                  `json:"subject"`
	BodyText         string                  `json:"body_text" gorm:"type:text"`
	ToAddresses      emaildomain.AddressList `json:"to_addresses" gorm:"type:text"`
	Tone             Tone                    `json:"tone"`
	Intent           Intent                  `json:"intent"`
	AIGenerated      bool                    `json:"ai_generated"`
	CreatedAt        time.Time               `json:"created_at"`
}
