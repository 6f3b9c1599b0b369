package usecase

import (
	"context"
	"fmt"
	"log"
	"strings"

	"inboxpilot-backend/internal/ai/domain"
	"inboxpilot-backend/internal/ai/repository"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/ai"
)

const draftSystemPrompt = `You are a professional email writing assistant.
Generate email responses that match the specified tone and intent.

Guidelines:
- Keep responses concise but complete
- Match the formality level requested
- Be helpful and professional
- Include specific details from the original email when relevant
- End with a clear call-to-action when appropriate

Write ONLY the email body text. Do not include subject line, greeting, or signature unless specifically appropriate.`

// DraftUsecase writes AI replies. Generation is never cached.
type DraftUsecase interface {
	GenerateDraft(ctx context.Context, tenantID, userID, messageID string, opts domain.DraftOptions) (*domain.Draft, error)
}

type draftUsecase struct {
	messages emailrepo.MessageRepository
	profiles repository.StyleProfileRepository
	drafts   repository.DraftRepository
	client   ai.Client
}

// NewDraftUsecase creates a new draft usecase
func NewDraftUsecase(
	messages emailrepo.MessageRepository,
	profiles repository.StyleProfileRepository,
	drafts repository.DraftRepository,
	client ai.Client,
) DraftUsecase {
	return &draftUsecase{messages: messages, profiles: profiles, drafts: drafts, client: client}
}

func joinOrNA(items []string) string {
	if len(items) == 0 {
		return "N/A"
	}
	return strings.Join(items, ", ")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func draftPrompt(msg *emaildomain.Message, opts domain.DraftOptions, profile *domain.StyleProfile) string {
	var b strings.Builder
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	body := msg.BodyText
	if body == "" {
		body = msg.Snippet
	}

	fmt.Fprintf(&b, "Original Email:\nFrom: %s <%s>\nSubject: %s\nBody:\n%s\n\n---\n\n", msg.FromName, msg.FromAddress, subject, body)
	fmt.Fprintf(&b, "Write a reply with:\n- Tone: %s\n- Intent: %s\n", opts.Tone, opts.Instruction())
	if opts.Context != "" && opts.Intent != domain.IntentCustom {
		fmt.Fprintf(&b, "- Additional context: %s\n", opts.Context)
	}
	if profile.HasStyle() {
		b.WriteString("\nUse the following style profile to match the user's voice:\n")
		fmt.Fprintf(&b, "- Common Greetings: %s\n", joinOrNA(profile.Greetings))
		fmt.Fprintf(&b, "- Common Sign-offs: %s\n", joinOrNA(profile.SignOffs))
		fmt.Fprintf(&b, "- Preferred Tone: %s\n", orNA(profile.Tone))
		fmt.Fprintf(&b, "- Formality Level: %s\n", orNA(profile.Formality))
		fmt.Fprintf(&b, "- Typical Phrases: %s\n", joinOrNA(profile.CommonPhrases))
		fmt.Fprintf(&b, "- Style Summary: %s\n", orNA(profile.StyleSummary))
	}
	b.WriteString("\nWrite only the email body.")
	return b.String()
}

func (u *draftUsecase) GenerateDraft(ctx context.Context, tenantID, userID, messageID string, opts domain.DraftOptions) (*domain.Draft, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	msg, err := u.messages.FindByID(tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, emaildomain.ErrMessageNotFound
	}

	profile, err := u.profiles.Find(tenantID, userID)
	if err != nil {
		log.Printf("[Draft] Could not load style profile for %s: %v", userID, err)
	}

	resp, err := u.client.Generate(ctx, ai.Request{
		Prompt:   draftPrompt(msg, opts, profile),
		System:   draftSystemPrompt,
		UseCache: false,
	})
	if err != nil {
		return nil, fmt.Errorf("draft generate: %w", err)
	}

	draft := &domain.Draft{
		TenantID:         tenantID,
		UserID:           userID,
		AccountID:        msg.AccountID,
		ReplyToMessageID: msg.ID,
		Subject:          "Re: " + msg.Subject,
		BodyText:         strings.TrimSpace(resp.Content),
		ToAddresses:      emaildomain.AddressList{{Name: msg.FromName, Address: msg.FromAddress}},
		Tone:             opts.Tone,
		Intent:           opts.Intent,
		AIGenerated:      true,
	}
	if err := u.drafts.Create(draft); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return draft, nil
}
