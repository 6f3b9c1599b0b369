package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inboxpilot-backend/pkg/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	user       = "me"
	maxPerPage = 100
)

var Scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	gmail.GmailModifyScope,
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Service is the Gmail implementation of provider.Provider.
type Service struct {
	config   *oauth2.Config
	timeout  time.Duration
	endpoint string
}

func NewService(clientID, clientSecret, redirectURI string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		timeout: timeout,
	}
}

// WithEndpoint points the API client at a different base URL.
func (s *Service) WithEndpoint(endpoint string) *Service {
	s.endpoint = endpoint
	return s
}

// WithOAuthEndpoint replaces the token endpoint used by ExchangeCode and Refresh.
func (s *Service) WithOAuthEndpoint(ep oauth2.Endpoint) *Service {
	s.config.Endpoint = ep
	return s
}

func (s *Service) Kind() provider.Kind { return provider.KindGmail }

func (s *Service) AuthURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) ExchangeCode(ctx context.Context, code string) (*provider.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, wrapError("exchange", err)
	}
	return toCredentials(token), nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*provider.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, wrapError("refresh", err)
	}
	return toCredentials(token), nil
}

// getGmailService creates a Gmail client authorized with a bare access token.
// Refresh is owned by the credential vault, not by the HTTP client.
func (s *Service) getGmailService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}

	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

func (s *Service) ResolveAccountEmail(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	srv, err := s.getGmailService(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := srv.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", wrapError("profile", err)
	}
	return profile.EmailAddress, nil
}

// ListMessages returns full messages for one page of results. If a fetch
// fails midway the messages read so far are returned with the error.
func (s *Service) ListMessages(ctx context.Context, accessToken string, opts provider.ListOptions) ([]provider.NormalizedMessage, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	srv, err := s.getGmailService(ctx, accessToken)
	if err != nil {
		return nil, "", err
	}

	limit := opts.Max
	if limit <= 0 || limit > maxPerPage {
		limit = maxPerPage
	}

	call := srv.Users.Messages.List(user).MaxResults(int64(limit)).Context(ctx)
	if q := buildQuery(opts); q != "" {
		call = call.Q(q)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", wrapError("list", err)
	}

	messages := make([]provider.NormalizedMessage, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		msg, err := srv.Users.Messages.Get(user, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return messages, "", wrapError("get", err)
		}
		messages = append(messages, convertGmailMessage(msg))
	}
	return messages, resp.NextPageToken, nil
}

func buildQuery(opts provider.ListOptions) string {
	var parts []string
	if !opts.Since.IsZero() {
		parts = append(parts, "after:"+strconv.FormatInt(opts.Since.Unix(), 10))
	}
	if opts.Query != "" {
		parts = append(parts, opts.Query)
	}
	return strings.Join(parts, " ")
}

func (s *Service) FetchMessage(ctx context.Context, accessToken, id string) (*provider.NormalizedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	srv, err := s.getGmailService(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	msg, err := srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrapError("get", err)
	}
	nm := convertGmailMessage(msg)
	return &nm, nil
}

func (s *Service) Mutate(ctx context.Context, accessToken, id string, m provider.Mutation) error {
	if m.Empty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	srv, err := s.getGmailService(ctx, accessToken)
	if err != nil {
		return err
	}

	add, remove := labelChanges(m)
	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := srv.Users.Messages.Modify(user, id, req).Context(ctx).Do(); err != nil {
		return wrapError("modify", err)
	}
	return nil
}

// labelChanges maps flag mutations onto Gmail system labels.
func labelChanges(m provider.Mutation) (add, remove []string) {
	if m.Read != nil {
		if *m.Read {
			remove = append(remove, "UNREAD")
		} else {
			add = append(add, "UNREAD")
		}
	}
	if m.Starred != nil {
		if *m.Starred {
			add = append(add, "STARRED")
		} else {
			remove = append(remove, "STARRED")
		}
	}
	if m.Archived != nil {
		if *m.Archived {
			remove = append(remove, "INBOX")
		} else {
			add = append(add, "INBOX")
		}
	}
	return add, remove
}

// DeltaSince walks users.history from syncToken (a history id). An empty
// token only bootstraps the cursor from the mailbox profile.
func (s *Service) DeltaSince(ctx context.Context, accessToken, syncToken string) (*provider.Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	srv, err := s.getGmailService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if syncToken == "" {
		profile, err := srv.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, wrapError("profile", err)
		}
		return &provider.Delta{NextSyncToken: strconv.FormatUint(profile.HistoryId, 10)}, nil
	}

	startID, err := strconv.ParseUint(syncToken, 10, 64)
	if err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindGmail, Op: "history", Status: http.StatusBadRequest, Message: "invalid history id " + syncToken}
	}

	changed := make(map[string]bool)
	deleted := make(map[string]bool)
	var order []string
	next := syncToken
	pageToken := ""

	for {
		call := srv.Users.History.List(user).StartHistoryId(startID).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, wrapError("history", err)
		}

		for _, h := range resp.History {
			touch := func(m *gmail.Message) {
				if m == nil || deleted[m.Id] {
					return
				}
				if !changed[m.Id] {
					changed[m.Id] = true
					order = append(order, m.Id)
				}
			}
			for _, a := range h.MessagesAdded {
				touch(a.Message)
			}
			for _, l := range h.LabelsAdded {
				touch(l.Message)
			}
			for _, l := range h.LabelsRemoved {
				touch(l.Message)
			}
			for _, d := range h.MessagesDeleted {
				if d.Message != nil {
					deleted[d.Message.Id] = true
					delete(changed, d.Message.Id)
				}
			}
		}
		if resp.HistoryId != 0 {
			next = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	delta := &provider.Delta{NextSyncToken: next}
	for _, id := range order {
		if !changed[id] {
			continue
		}
		msg, err := srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				deleted[id] = true
				continue
			}
			return nil, wrapError("get", err)
		}
		delta.Changed = append(delta.Changed, convertGmailMessage(msg))
	}
	for id := range deleted {
		delta.DeletedIDs = append(delta.DeletedIDs, id)
	}
	return delta, nil
}

func toCredentials(token *oauth2.Token) *provider.Credentials {
	creds := &provider.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	return creds
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

// wrapError converts Gmail API and OAuth failures to provider errors.
func wrapError(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return provider.NewStatusError(provider.KindGmail, op, gErr.Code, gErr.Message)
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		status := rErr.Response.StatusCode
		if rErr.ErrorCode == "invalid_grant" {
			status = http.StatusUnauthorized
		}
		log.Printf("[Gmail] %s failed: %s %s", op, rErr.ErrorCode, rErr.ErrorDescription)
		return provider.NewStatusError(provider.KindGmail, op, status, rErr.ErrorCode)
	}
	return provider.NewTransportError(provider.KindGmail, op, err)
}

func convertGmailMessage(msg *gmail.Message) provider.NormalizedMessage {
	var headers []*gmail.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}
	h := parseHeaders(headers)

	text, htmlBody := getEmailBody(msg.Payload)

	nm := provider.NormalizedMessage{
		ProviderID:       msg.Id,
		ProviderThreadID: msg.ThreadId,
		Subject:          h.subject,
		Snippet:          html.UnescapeString(msg.Snippet),
		BodyText:         text,
		BodyHTML:         htmlBody,
		From:             h.from,
		To:               h.to,
		Cc:               h.cc,
		Bcc:              h.bcc,
		ReceivedAt:       time.UnixMilli(msg.InternalDate).UTC(),
		IsRead:           !hasLabel(msg.LabelIds, "UNREAD"),
		IsStarred:        hasLabel(msg.LabelIds, "STARRED"),
		HasAttachments:   hasAttachments(msg.Payload),
		Labels:           msg.LabelIds,
	}
	if nm.Labels == nil {
		nm.Labels = []string{}
	}
	return nm
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func decodeBody(data string) (string, bool) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}

// getEmailBody returns the plain-text and HTML bodies found in the part tree.
func getEmailBody(payload *gmail.MessagePart) (text, htmlBody string) {
	if payload == nil {
		return "", ""
	}

	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
			if data, ok := decodeBody(part.Body.Data); ok {
				switch part.MimeType {
				case "text/html":
					if htmlBody == "" {
						htmlBody = data
					}
				case "text/plain":
					if text == "" {
						text = data
					}
				}
			}
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(payload)
	return text, htmlBody
}

func hasAttachments(payload *gmail.MessagePart) bool {
	if payload == nil {
		return false
	}
	if payload.Filename != "" || (payload.Body != nil && payload.Body.AttachmentId != "") {
		return true
	}
	for _, part := range payload.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}
