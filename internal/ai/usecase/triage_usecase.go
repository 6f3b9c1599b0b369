package usecase

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"inboxpilot-backend/internal/ai/domain"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/ai"
)

const triageSystemPrompt = `You are an email triage assistant for a busy professional.
Analyze emails and categorize them by importance and required action.

Categories:
- urgent: Requires immediate response (within hours)
- action_required: Needs response but not immediately (within 1-2 days)
- fyi: Informational, no response needed
- newsletter: Marketing/promotional content
- spam: Unwanted or suspicious content

Also assign a priority score from 1-5 (5 being highest priority).

Consider these factors:
- Sender relationship (known contacts rank higher)
- Keywords indicating urgency ("urgent", "deadline", "ASAP")
- Questions or action requests
- Time-sensitive content

Respond ONLY with valid JSON, no other text:
{"category": "urgent|action_required|fyi|newsletter|spam", "priority": 1-5, "summary": "one sentence", "suggestedAction": "brief action"}`

const summarySystemPrompt = "You are a concise summarizer. Provide brief, accurate summaries that capture the key points. Respond with only the summary, no preamble."

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// TriageUsecase classifies messages with the AI backend.
type TriageUsecase interface {
	Classify(ctx context.Context, messageID string) (*domain.TriageResult, error)
	ClassifyBatch(ctx context.Context, messageIDs []string) ([]*domain.TriageResult, error)
	Summarize(ctx context.Context, tenantID, messageID string) (string, error)
	IsAvailable(ctx context.Context) bool
}

type triageUsecase struct {
	messages   emailrepo.MessageRepository
	client     ai.Client
	triageTTL  time.Duration
	summaryTTL time.Duration
	now        func() time.Time
}

// NewTriageUsecase creates a new triage usecase
func NewTriageUsecase(messages emailrepo.MessageRepository, client ai.Client, triageTTL, summaryTTL time.Duration) TriageUsecase {
	return &triageUsecase{
		messages:   messages,
		client:     client,
		triageTTL:  triageTTL,
		summaryTTL: summaryTTL,
		now:        time.Now,
	}
}

func (u *triageUsecase) IsAvailable(ctx context.Context) bool {
	return u.client.IsAvailable(ctx)
}

func triagePrompt(m *emaildomain.Message) string {
	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf(`Analyze this email:

From: %s <%s>
Subject: %s
Preview: %s

Respond with JSON only.`, m.FromName, m.FromAddress, subject, m.Preview())
}

// Classify triages one message. An already classified message is returned
// as stored without a backend call.
func (u *triageUsecase) Classify(ctx context.Context, messageID string) (*domain.TriageResult, error) {
	msg, err := u.messages.FindByIDAny(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, emaildomain.ErrMessageNotFound
	}
	if msg.Classified() {
		return storedResult(msg), nil
	}

	resp, err := u.client.Generate(ctx, ai.Request{
		Prompt:   triagePrompt(msg),
		System:   triageSystemPrompt,
		UseCache: true,
		CacheTTL: u.triageTTL,
		Accept: func(content string) error {
			_, err := domain.ParseTriage(content)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("triage generate: %w", err)
	}

	result, err := domain.ParseTriage(resp.Content)
	if err != nil {
		log.Printf("[Triage] Rejected response for message %s: %v", messageID, err)
		return nil, err
	}

	saved, err := u.messages.SaveTriage(msg.ID, emaildomain.Triage{
		Category:        string(result.Category),
		Priority:        result.Priority,
		Summary:         result.Summary,
		SuggestedAction: result.SuggestedAction,
		ProcessedAt:     u.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("save triage: %w", err)
	}
	if !saved {
		log.Printf("[Triage] Message %s was classified concurrently, keeping the stored result", msg.ID)
	}
	return result, nil
}

func storedResult(m *emaildomain.Message) *domain.TriageResult {
	r := &domain.TriageResult{}
	if m.AICategory != nil {
		r.Category = domain.Category(*m.AICategory)
	}
	if m.AIPriority != nil {
		r.Priority = *m.AIPriority
	}
	if m.AISummary != nil {
		r.Summary = *m.AISummary
	}
	if m.AISuggestedAction != nil {
		r.SuggestedAction = *m.AISuggestedAction
	}
	return r
}

// ClassifyBatch classifies each message in turn, logging and skipping
// failures.
func (u *triageUsecase) ClassifyBatch(ctx context.Context, messageIDs []string) ([]*domain.TriageResult, error) {
	results := make([]*domain.TriageResult, 0, len(messageIDs))
	for _, id := range messageIDs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := u.Classify(ctx, id)
		if err != nil {
			log.Printf("[Triage] Failed to triage message %s: %v", id, err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Summarize returns a short free-text summary, cached for the summary TTL.
func (u *triageUsecase) Summarize(ctx context.Context, tenantID, messageID string) (string, error) {
	msg, err := u.messages.FindByID(tenantID, messageID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", emaildomain.ErrMessageNotFound
	}

	body := msg.BodyText
	if body == "" {
		body = htmlTag.ReplaceAllString(msg.BodyHTML, "")
	}
	if body == "" {
		body = msg.Snippet
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	prompt := fmt.Sprintf("Summarize this email in 2-3 sentences:\n\nFrom: %s <%s>\nSubject: %s\nBody:\n%s",
		msg.FromName, msg.FromAddress, subject, body)

	resp, err := u.client.Generate(ctx, ai.Request{
		Prompt:   prompt,
		System:   summarySystemPrompt,
		UseCache: true,
		CacheTTL: u.summaryTTL,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return resp.Content, nil
}
