package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inboxpilot-backend/pkg/provider"
)

const messageJSON = `{
	"id": "%s",
	"conversationId": "conv-1",
	"subject": "Budget",
	"bodyPreview": "Please review",
	"body": {"contentType": "html", "content": "<p>Please review</p>"},
	"from": {"emailAddress": {"name": "Dana", "address": "Dana@Contoso.com"}},
	"toRecipients": [{"emailAddress": {"name": "Me", "address": "me@contoso.com"}}],
	"receivedDateTime": "2024-03-01T10:00:00Z",
	"isRead": false,
	"hasAttachments": true,
	"flag": {"flagStatus": "flagged"},
	"categories": ["Finance"]
}`

func newFakeGraph(t *testing.T, handler func(base string) http.HandlerFunc) *Service {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(srv.URL)(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewService("id", "secret", "http://localhost/cb", "common", 5*time.Second).WithBaseURL(srv.URL)
}

func TestNormalize(t *testing.T) {
	var m graphMessage
	if err := json.Unmarshal([]byte(fmt.Sprintf(messageJSON, "m1")), &m); err != nil {
		t.Fatal(err)
	}
	nm := m.normalize()
	if nm.From.Address != "dana@contoso.com" || nm.From.Name != "Dana" {
		t.Errorf("From = %+v", nm.From)
	}
	if nm.BodyHTML == "" || nm.BodyText != "" {
		t.Errorf("body html=%q text=%q", nm.BodyHTML, nm.BodyText)
	}
	if !nm.IsStarred || nm.IsRead || !nm.HasAttachments {
		t.Errorf("flags = %+v", nm)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !nm.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v", nm.ReceivedAt)
	}
	if len(nm.Labels) != 1 || nm.Labels[0] != "Finance" {
		t.Errorf("Labels = %v", nm.Labels)
	}
}

func TestParseTimeWithoutZone(t *testing.T) {
	got := parseTime("2024-03-01T10:00:00.1234567")
	if got.IsZero() || got.Location() != time.UTC || got.Hour() != 10 {
		t.Errorf("parseTime = %v", got)
	}
}

func TestListMessagesFiltersAndPaginates(t *testing.T) {
	svc := newFakeGraph(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			if r.URL.Path != "/me/messages" {
				t.Errorf("path = %s", r.URL.Path)
			}
			if !strings.HasPrefix(r.URL.Query().Get("$filter"), "receivedDateTime ge ") {
				t.Errorf("$filter = %q", r.URL.Query().Get("$filter"))
			}
			fmt.Fprintf(w, `{"value":[%s],"@odata.nextLink":"%s/me/messages?$skip=1"}`, fmt.Sprintf(messageJSON, "m1"), base)
		}
	})

	msgs, next, err := svc.ListMessages(context.Background(), "tok", provider.ListOptions{Max: 10, Since: time.Now().Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(next, "$skip=1") {
		t.Fatalf("msgs=%d next=%q", len(msgs), next)
	}
}

func TestMutateIssuesPatchAndMove(t *testing.T) {
	var calls []string
	svc := newFakeGraph(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			calls = append(calls, r.Method+" "+r.URL.Path+" "+string(body))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		}
	})

	yes := true
	if err := svc.Mutate(context.Background(), "tok", "m1", provider.Mutation{Read: &yes, Starred: &yes, Archived: &yes}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
	if !strings.HasPrefix(calls[0], "PATCH /me/messages/m1") || !strings.Contains(calls[0], `"flagStatus":"flagged"`) || !strings.Contains(calls[0], `"isRead":true`) {
		t.Errorf("patch call = %s", calls[0])
	}
	if calls[1] != `POST /me/messages/m1/move {"destinationId":"archive"}` {
		t.Errorf("move call = %s", calls[1])
	}
}

func TestDeltaSinceFollowsLinks(t *testing.T) {
	svc := newFakeGraph(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Query().Get("page") == "2":
				fmt.Fprintf(w, `{"value":[{"id":"gone","@removed":{"reason":"deleted"}}],"@odata.deltaLink":"%s/delta?token=abc"}`, base)
			default:
				fmt.Fprintf(w, `{"value":[%s],"@odata.nextLink":"%s/me/mailFolders/inbox/messages/delta?page=2"}`, fmt.Sprintf(messageJSON, "m1"), base)
			}
		}
	})

	delta, err := svc.DeltaSince(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if len(delta.Changed) != 1 || len(delta.DeletedIDs) != 1 || delta.DeletedIDs[0] != "gone" {
		t.Errorf("delta = %+v", delta)
	}
	if !strings.HasSuffix(delta.NextSyncToken, "/delta?token=abc") {
		t.Errorf("NextSyncToken = %q", delta.NextSyncToken)
	}
}

func TestStatusMapping(t *testing.T) {
	svc := newFakeGraph(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"TooManyRequests","message":"slow down"}}`))
		}
	})

	_, err := svc.FetchMessage(context.Background(), "tok", "m1")
	pe, ok := provider.AsProviderError(err)
	if !ok || pe.Status != http.StatusTooManyRequests || !pe.Retryable {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(pe.Message, "slow down") {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestCircuitBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	hits := 0
	svc := newFakeGraph(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusBadGateway)
		}
	})

	var last error
	for i := 0; i < 10; i++ {
		_, last = svc.FetchMessage(context.Background(), "tok", "m1")
	}
	pe, ok := provider.AsProviderError(last)
	if !ok || pe.Status != http.StatusServiceUnavailable || !pe.Retryable {
		t.Fatalf("last err = %v, want open-breaker error", last)
	}
	if hits >= 10 {
		t.Errorf("breaker never short-circuited: %d upstream hits", hits)
	}
}
