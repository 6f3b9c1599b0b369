package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inboxpilot-backend/pkg/provider"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	maxPerPage   = 100
	selectFields = "id,conversationId,subject,bodyPreview,body,from,toRecipients,ccRecipients,bccRecipients,receivedDateTime,isRead,hasAttachments,flag,categories"
)

var Scopes = []string{
	"openid",
	"profile",
	"email",
	"offline_access",
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/User.Read",
}

// Service is the Microsoft Graph implementation of provider.Provider.
type Service struct {
	config  *oauth2.Config
	baseURL string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

func NewService(clientID, clientSecret, redirectURI, tenant string, timeout time.Duration) *Service {
	if tenant == "" {
		tenant = "common"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Only transient failures count against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			pe, ok := provider.AsProviderError(err)
			return ok && !pe.Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &Service{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       Scopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
		baseURL: graphBaseURL,
		timeout: timeout,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// WithBaseURL points the adapter at a different Graph root.
func (s *Service) WithBaseURL(baseURL string) *Service {
	s.baseURL = baseURL
	return s
}

func (s *Service) WithOAuthEndpoint(ep oauth2.Endpoint) *Service {
	s.config.Endpoint = ep
	return s
}

func (s *Service) Kind() provider.Kind { return provider.KindOutlook }

func (s *Service) AuthURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

func (s *Service) ExchangeCode(ctx context.Context, code string) (*provider.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, wrapOAuthError("exchange", err)
	}
	return toCredentials(token), nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*provider.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, wrapOAuthError("refresh", err)
	}
	return toCredentials(token), nil
}

func (s *Service) ResolveAccountEmail(ctx context.Context, accessToken string) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := s.do(ctx, accessToken, "profile", http.MethodGet, s.baseURL+"/me", nil, &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}

func (s *Service) ListMessages(ctx context.Context, accessToken string, opts provider.ListOptions) ([]provider.NormalizedMessage, string, error) {
	endpoint := opts.PageToken
	if endpoint == "" {
		limit := opts.Max
		if limit <= 0 || limit > maxPerPage {
			limit = maxPerPage
		}
		q := url.Values{}
		q.Set("$top", strconv.Itoa(limit))
		q.Set("$select", selectFields)
		q.Set("$orderby", "receivedDateTime desc")
		if !opts.Since.IsZero() {
			q.Set("$filter", "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
		}
		if opts.Query != "" {
			q.Set("$search", `"`+opts.Query+`"`)
		}
		endpoint = s.baseURL + "/me/messages?" + q.Encode()
	}

	var page messagePage
	if err := s.do(ctx, accessToken, "list", http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, "", err
	}

	messages := make([]provider.NormalizedMessage, 0, len(page.Value))
	for _, m := range page.Value {
		messages = append(messages, m.normalize())
	}
	return messages, page.NextLink, nil
}

func (s *Service) FetchMessage(ctx context.Context, accessToken, id string) (*provider.NormalizedMessage, error) {
	var m graphMessage
	endpoint := s.baseURL + "/me/messages/" + url.PathEscape(id) + "?$select=" + selectFields
	if err := s.do(ctx, accessToken, "get", http.MethodGet, endpoint, nil, &m); err != nil {
		return nil, err
	}
	nm := m.normalize()
	return &nm, nil
}

func (s *Service) Mutate(ctx context.Context, accessToken, id string, m provider.Mutation) error {
	msgURL := s.baseURL + "/me/messages/" + url.PathEscape(id)

	patch := map[string]interface{}{}
	if m.Read != nil {
		patch["isRead"] = *m.Read
	}
	if m.Starred != nil {
		status := "notFlagged"
		if *m.Starred {
			status = "flagged"
		}
		patch["flag"] = map[string]string{"flagStatus": status}
	}
	if len(patch) > 0 {
		if err := s.do(ctx, accessToken, "modify", http.MethodPatch, msgURL, patch, nil); err != nil {
			return err
		}
	}

	if m.Archived != nil {
		dest := "inbox"
		if *m.Archived {
			dest = "archive"
		}
		body := map[string]string{"destinationId": dest}
		if err := s.do(ctx, accessToken, "move", http.MethodPost, msgURL+"/move", body, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeltaSince follows the inbox delta query. syncToken is the deltaLink from
// the previous round; an empty token starts a new round.
func (s *Service) DeltaSince(ctx context.Context, accessToken, syncToken string) (*provider.Delta, error) {
	next := syncToken
	if next == "" {
		next = s.baseURL + "/me/mailFolders/inbox/messages/delta?$select=" + url.QueryEscape(selectFields)
	}

	delta := &provider.Delta{}
	for next != "" {
		var page messagePage
		if err := s.do(ctx, accessToken, "delta", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Value {
			if m.Removed != nil {
				delta.DeletedIDs = append(delta.DeletedIDs, m.ID)
				continue
			}
			delta.Changed = append(delta.Changed, m.normalize())
		}
		if page.DeltaLink != "" {
			delta.NextSyncToken = page.DeltaLink
			break
		}
		next = page.NextLink
	}
	if delta.NextSyncToken == "" {
		delta.NextSyncToken = syncToken
	}
	return delta, nil
}

// do sends one Graph request through the circuit breaker and decodes the
// JSON response into out.
func (s *Service) do(ctx context.Context, accessToken, op, method, endpoint string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.send(ctx, accessToken, op, method, endpoint, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &provider.ProviderError{
			Provider:  provider.KindOutlook,
			Op:        op,
			Status:    http.StatusServiceUnavailable,
			Retryable: true,
			Message:   "graph circuit breaker open",
			Err:       err,
		}
	}
	return err
}

func (s *Service) send(ctx context.Context, accessToken, op, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	resp, err := client.Do(req)
	if err != nil {
		return provider.NewTransportError(provider.KindOutlook, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NewTransportError(provider.KindOutlook, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var graphErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &graphErr) == nil && graphErr.Error.Message != "" {
			msg = graphErr.Error.Code + ": " + graphErr.Error.Message
		}
		return provider.NewStatusError(provider.KindOutlook, op, resp.StatusCode, msg)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse graph response: %w", err)
	}
	return nil
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

func wrapOAuthError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		status := rErr.Response.StatusCode
		if rErr.ErrorCode == "invalid_grant" {
			status = http.StatusUnauthorized
		}
		return provider.NewStatusError(provider.KindOutlook, op, status, rErr.ErrorCode)
	}
	return provider.NewTransportError(provider.KindOutlook, op, err)
}
