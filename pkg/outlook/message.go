package outlook

import (
	"strings"
	"time"

	"inboxpilot-backend/pkg/provider"
)

type emailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Subject        string `json:"subject"`
	BodyPreview    string `json:"bodyPreview"`
	Body           struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From             *emailAddress  `json:"from"`
	ToRecipients     []emailAddress `json:"toRecipients"`
	CcRecipients     []emailAddress `json:"ccRecipients"`
	BccRecipients    []emailAddress `json:"bccRecipients"`
	ReceivedDateTime string         `json:"receivedDateTime"`
	IsRead           bool           `json:"isRead"`
	HasAttachments   bool           `json:"hasAttachments"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	Categories []string `json:"categories"`
	Removed    *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type messagePage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

func (m graphMessage) normalize() provider.NormalizedMessage {
	nm := provider.NormalizedMessage{
		ProviderID:       m.ID,
		ProviderThreadID: m.ConversationID,
		Subject:          m.Subject,
		Snippet:          m.BodyPreview,
		To:               addresses(m.ToRecipients),
		Cc:               addresses(m.CcRecipients),
		Bcc:              addresses(m.BccRecipients),
		ReceivedAt:       parseTime(m.ReceivedDateTime),
		IsRead:           m.IsRead,
		IsStarred:        m.Flag.FlagStatus == "flagged",
		HasAttachments:   m.HasAttachments,
		Labels:           m.Categories,
	}
	if nm.Labels == nil {
		nm.Labels = []string{}
	}
	if m.From != nil {
		nm.From = provider.Address{
			Name:    m.From.EmailAddress.Name,
			Address: strings.ToLower(m.From.EmailAddress.Address),
		}
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		nm.BodyHTML = m.Body.Content
	} else {
		nm.BodyText = m.Body.Content
	}
	return nm
}

func addresses(in []emailAddress) []provider.Address {
	out := make([]provider.Address, 0, len(in))
	for _, a := range in {
		out = append(out, provider.Address{
			Name:    a.EmailAddress.Name,
			Address: strings.ToLower(a.EmailAddress.Address),
		})
	}
	return out
}

// parseTime accepts Graph timestamps with or without a zone suffix; Graph
// reports UTC when none is given.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
