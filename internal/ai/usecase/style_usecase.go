package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	accountrepo "inboxpilot-backend/internal/account/repository"
	"inboxpilot-backend/internal/ai/domain"
	"inboxpilot-backend/internal/ai/repository"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/ai"
)

const (
	styleSampleSize   = 20
	styleSystemPrompt = "You are a professional linguistic analyzer. Respond with JSON only."
)

// StyleUsecase learns and serves a user's writing style.
type StyleUsecase interface {
	AnalyzeUserStyle(ctx context.Context, tenantID, userID string) (*domain.StyleProfile, error)
	GetProfile(tenantID, userID string) (*domain.StyleProfile, error)
}

type styleUsecase struct {
	accounts accountrepo.AccountRepository
	messages emailrepo.MessageRepository
	profiles repository.StyleProfileRepository
	client   ai.Client
	now      func() time.Time
}

// NewStyleUsecase creates a new style usecase
func NewStyleUsecase(
	accounts accountrepo.AccountRepository,
	messages emailrepo.MessageRepository,
	profiles repository.StyleProfileRepository,
	client ai.Client,
) StyleUsecase {
	return &styleUsecase{accounts: accounts, messages: messages, profiles: profiles, client: client, now: time.Now}
}

type styleAnalysis struct {
	Greetings     []string `json:"greetings"`
	SignOffs      []string `json:"signOffs"`
	Tone          string   `json:"tone"`
	CommonPhrases []string `json:"commonPhrases"`
	Formality     string   `json:"formality"`
	StyleSummary  string   `json:"styleSummary"`
}

func stylePrompt(samples []*emaildomain.Message) string {
	parts := make([]string, 0, len(samples))
	for _, m := range samples {
		body := []rune(m.BodyText)
		if len(body) > 500 {
			body = body[:500]
		}
		parts = append(parts, fmt.Sprintf("Subject: %s\nBody: %s", m.Subject, string(body)))
	}
	return `You are an expert linguist. Analyze the following email samples from a user to extract their unique communication style.

Focus on:
1. Greetings (formal, informal, direct)
2. Sign-offs (regards, thanks, cheers, etc.)
3. Tone (professional, friendly, brief, detailed)
4. Common phrases or linguistic patterns
5. Formality level

Email Samples:
` + strings.Join(parts, "\n\n---\n\n") + `

Respond ONLY with valid JSON containing these fields:
{
  "greetings": ["list", "of", "common", "greetings"],
  "signOffs": ["list", "of", "common", "signoffs"],
  "tone": "description of tone",
  "commonPhrases": ["list", "of", "phrases"],
  "formality": "low/medium/high",
  "styleSummary": "brief overall summary"
}`
}

// AnalyzeUserStyle samples the user's most recent sent mail across all of
// their active accounts. A user with no sent mail gets a no_history profile.
func (u *styleUsecase) AnalyzeUserStyle(ctx context.Context, tenantID, userID string) (*domain.StyleProfile, error) {
	accounts, err := u.accounts.FindActiveByUser(tenantID, userID)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(accounts))
	for _, a := range accounts {
		addresses = append(addresses, a.EmailAddress)
	}

	samples, err := u.messages.FindRecentFromAddresses(tenantID, addresses, styleSampleSize)
	if err != nil {
		return nil, err
	}

	profile := &domain.StyleProfile{TenantID: tenantID, UserID: userID, AnalyzedAt: u.now().UTC()}
	if len(samples) == 0 {
		log.Printf("[Style] No sent mail for user %s, storing no_history profile", userID)
		profile.Status = domain.StyleNoHistory
		if err := u.profiles.Save(profile); err != nil {
			return nil, err
		}
		return profile, nil
	}

	resp, err := u.client.Generate(ctx, ai.Request{
		Prompt: stylePrompt(samples),
		System: styleSystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("style generate: %w", err)
	}

	var analysis styleAnalysis
	if err := json.Unmarshal([]byte(domain.StripCodeFence(resp.Content)), &analysis); err != nil {
		return nil, &domain.ClassificationError{Reason: "malformed style analysis: " + err.Error(), Raw: resp.Content}
	}

	profile.Status = domain.StyleReady
	profile.Greetings = analysis.Greetings
	profile.SignOffs = analysis.SignOffs
	profile.Tone = analysis.Tone
	profile.CommonPhrases = analysis.CommonPhrases
	profile.Formality = analysis.Formality
	profile.StyleSummary = analysis.StyleSummary
	profile.SampleCount = len(samples)
	if err := u.profiles.Save(profile); err != nil {
		return nil, err
	}
	log.Printf("[Style] Analyzed %d samples for user %s", len(samples), userID)
	return profile, nil
}

func (u *styleUsecase) GetProfile(tenantID, userID string) (*domain.StyleProfile, error) {
	return u.profiles.Find(tenantID, userID)
}
