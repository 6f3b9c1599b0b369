package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inboxpilot-backend/pkg/provider"

	"google.golang.org/api/gmail/v1"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func sampleMessage(id string) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		ThreadId:     "thread-" + id,
		LabelIds:     []string{"INBOX", "UNREAD", "IMPORTANT"},
		Snippet:      "Quarterly numbers &amp; plan",
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: `"Alice Smith" <Alice@Example.com>`},
				{Name: "To", Value: "bob@example.com, Carol <carol@example.com>"},
				{Name: "Subject", Value: "=?UTF-8?B?UmVwb3J0IOKAkyBRMw==?="},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html body</p>")}},
					},
				},
				{MimeType: "application/pdf", Filename: "q3.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-1"}},
			},
		},
	}
}

func TestConvertGmailMessage(t *testing.T) {
	nm := convertGmailMessage(sampleMessage("m1"))

	if nm.ProviderID != "m1" || nm.ProviderThreadID != "thread-m1" {
		t.Errorf("ids = %q/%q", nm.ProviderID, nm.ProviderThreadID)
	}
	if nm.Subject != "Report – Q3" {
		t.Errorf("Subject = %q", nm.Subject)
	}
	if nm.From.Address != "alice@example.com" || nm.From.Name != "Alice Smith" {
		t.Errorf("From = %+v", nm.From)
	}
	if len(nm.To) != 2 || nm.To[1].Address != "carol@example.com" {
		t.Errorf("To = %+v", nm.To)
	}
	if nm.BodyText != "plain body" || nm.BodyHTML != "<p>html body</p>" {
		t.Errorf("bodies = %q / %q", nm.BodyText, nm.BodyHTML)
	}
	if nm.Snippet != "Quarterly numbers & plan" {
		t.Errorf("Snippet = %q", nm.Snippet)
	}
	if nm.IsRead || nm.IsStarred || !nm.HasAttachments {
		t.Errorf("flags read=%v starred=%v attachments=%v", nm.IsRead, nm.IsStarred, nm.HasAttachments)
	}
	if !nm.ReceivedAt.Equal(time.UnixMilli(1700000000000)) || nm.ReceivedAt.Location() != time.UTC {
		t.Errorf("ReceivedAt = %v", nm.ReceivedAt)
	}
}

func TestConvertGmailMessageWithoutPayload(t *testing.T) {
	nm := convertGmailMessage(&gmail.Message{Id: "bare", InternalDate: 1})
	if nm.ProviderID != "bare" || nm.HasAttachments || nm.BodyText != "" {
		t.Errorf("unexpected %+v", nm)
	}
	if nm.Labels == nil {
		t.Error("labels should be an empty slice")
	}
}

func TestLabelChanges(t *testing.T) {
	yes, no := true, false
	add, remove := labelChanges(provider.Mutation{Read: &yes, Starred: &yes, Archived: &yes})
	if strings.Join(add, ",") != "STARRED" || strings.Join(remove, ",") != "UNREAD,INBOX" {
		t.Errorf("add=%v remove=%v", add, remove)
	}
	add, remove = labelChanges(provider.Mutation{Read: &no, Archived: &no})
	if strings.Join(add, ",") != "UNREAD,INBOX" || len(remove) != 0 {
		t.Errorf("add=%v remove=%v", add, remove)
	}
}

func TestBuildQuery(t *testing.T) {
	since := time.Unix(1700000000, 0)
	if q := buildQuery(provider.ListOptions{Since: since, Query: "in:inbox"}); q != "after:1700000000 in:inbox" {
		t.Errorf("q = %q", q)
	}
	if q := buildQuery(provider.ListOptions{}); q != "" {
		t.Errorf("q = %q", q)
	}
}

func newFakeGmail(t *testing.T, handler http.HandlerFunc) *Service {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewService("id", "secret", "http://localhost/cb", 5*time.Second).WithEndpoint(srv.URL + "/")
}

func TestListMessagesSkipsVanishedMessages(t *testing.T) {
	svc := newFakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			if !strings.HasPrefix(r.URL.Query().Get("q"), "after:") {
				t.Errorf("q = %q", r.URL.Query().Get("q"))
			}
			w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"gone"}],"nextPageToken":"p2"}`))
		case "/gmail/v1/users/me/messages/m1":
			json.NewEncoder(w).Encode(sampleMessage("m1"))
		case "/gmail/v1/users/me/messages/gone":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})

	msgs, next, err := svc.ListMessages(context.Background(), "tok", provider.ListOptions{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ProviderID != "m1" || next != "p2" {
		t.Fatalf("msgs=%d next=%q", len(msgs), next)
	}
}

func TestAuthFailureIsTypedAndTerminal(t *testing.T) {
	svc := newFakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"insufficient permissions"}}`))
	})

	_, err := svc.FetchMessage(context.Background(), "tok", "m1")
	pe, ok := provider.AsProviderError(err)
	if !ok {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if pe.Status != http.StatusForbidden || pe.Retryable || !pe.IsAuth() {
		t.Errorf("pe = %+v", pe)
	}
}

func TestDeltaSinceBootstrapsFromProfile(t *testing.T) {
	svc := newFakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/gmail/v1/users/me/profile" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"emailAddress":"me@example.com","historyId":"4242"}`))
	})

	delta, err := svc.DeltaSince(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if delta.NextSyncToken != "4242" || len(delta.Changed) != 0 {
		t.Errorf("delta = %+v", delta)
	}
}

func TestDeltaSinceCollectsChangesAndDeletions(t *testing.T) {
	svc := newFakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/history":
			if r.URL.Query().Get("startHistoryId") != "100" {
				t.Errorf("startHistoryId = %q", r.URL.Query().Get("startHistoryId"))
			}
			w.Write([]byte(`{"historyId":"120","history":[
				{"messagesAdded":[{"message":{"id":"m1"}}]},
				{"labelsAdded":[{"message":{"id":"m1"}}]},
				{"messagesAdded":[{"message":{"id":"m2"}}]},
				{"messagesDeleted":[{"message":{"id":"m2"}}]}
			]}`))
		case "/gmail/v1/users/me/messages/m1":
			json.NewEncoder(w).Encode(sampleMessage("m1"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	delta, err := svc.DeltaSince(context.Background(), "tok", "100")
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if delta.NextSyncToken != "120" {
		t.Errorf("NextSyncToken = %q", delta.NextSyncToken)
	}
	if len(delta.Changed) != 1 || delta.Changed[0].ProviderID != "m1" {
		t.Errorf("Changed = %+v", delta.Changed)
	}
	if len(delta.DeletedIDs) != 1 || delta.DeletedIDs[0] != "m2" {
		t.Errorf("DeletedIDs = %v", delta.DeletedIDs)
	}
}
