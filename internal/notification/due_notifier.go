package notification

import (
	"context"
	"fmt"
	"log"

	emaildomain "inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/notification/repository"
	"inboxpilot-backend/pkg/fcm"
)

// Sender delivers a push notification to a set of device tokens and returns
// the ones that were rejected.
type Sender interface {
	SendToDevices(ctx context.Context, tokens []string, n fcm.Notification) ([]string, error)
}

// DueNotifier pushes a notification to a user's devices when follow-ups
// become due.
type DueNotifier struct {
	tokens repository.DeviceTokenRepository
	sender Sender
}

func NewDueNotifier(tokens repository.DeviceTokenRepository, sender Sender) *DueNotifier {
	return &DueNotifier{tokens: tokens, sender: sender}
}

func (n *DueNotifier) NotifyDue(ctx context.Context, userID string, messages []*emaildomain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	registered, err := n.tokens.FindByUser(userID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(registered) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(registered))
	for _, t := range registered {
		tokens = append(tokens, t.Token)
	}

	failed, err := n.sender.SendToDevices(ctx, tokens, dueNotification(messages))
	if len(failed) > 0 {
		log.Printf("[FCM] Removing %d rejected device tokens for user %s", len(failed), userID)
		if delErr := n.tokens.Delete(failed...); delErr != nil {
			log.Printf("[WARN] [FCM] Failed to delete rejected tokens: %v", delErr)
		}
	}
	return err
}

func dueNotification(messages []*emaildomain.Message) fcm.Notification {
	first := messages[0]
	n := fcm.Notification{
		Data: map[string]string{
			"type":  "follow_up_due",
			"count": fmt.Sprintf("%d", len(messages)),
		},
	}
	if len(messages) == 1 {
		sender := first.FromName
		if sender == "" {
			sender = first.FromAddress
		}
		subject := first.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		n.Title = "Follow up with " + sender
		n.Body = truncate(subject, 100)
		n.Link = "/inbox/" + first.ID
		n.Data["messageId"] = first.ID
		return n
	}
	n.Title = fmt.Sprintf("%d emails need a follow-up", len(messages))
	n.Body = truncate(first.Subject, 100)
	n.Link = "/follow-ups"
	return n
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
