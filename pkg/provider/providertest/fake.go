// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"inboxpilot-backend/pkg/provider"
)

// Fake is a scriptable mailbox. Messages are listed newest first.
type Fake struct {
	KindValue provider.Kind
	Email     string

	// RefreshDelay holds each Refresh call open so tests can overlap callers.
	RefreshDelay time.Duration
	RefreshErr   error
	RefreshCalls atomic.Int32

	// RejectToken makes every call made with that token fail with 401.
	RejectToken string
	// FailAfter makes ListMessages fail once that many messages were served.
	FailAfter int
	ListErr   error
	DeltaErr  error

	mu        sync.Mutex
	messages  map[string]provider.NormalizedMessage
	deleted   []string
	served    int
	tokenSeq  int
	mutations map[string]provider.Mutation
}

func New(kind provider.Kind, email string) *Fake {
	return &Fake{
		KindValue: kind,
		Email:     email,
		messages:  make(map[string]provider.NormalizedMessage),
		mutations: make(map[string]provider.Mutation),
	}
}

func (f *Fake) Put(msgs ...provider.NormalizedMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages[m.ProviderID] = m
	}
}

func (f *Fake) Delete(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.messages, id)
		f.deleted = append(f.deleted, id)
	}
}

func (f *Fake) Mutations(id string) provider.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations[id]
}

func (f *Fake) check(token string) error {
	if f.RejectToken != "" && token == f.RejectToken {
		return provider.NewStatusError(f.KindValue, "call", 401, "token rejected")
	}
	return nil
}

func (f *Fake) Kind() provider.Kind { return f.KindValue }

func (f *Fake) AuthURL(state string) string { return "https://auth.example/" + state }

func (f *Fake) ExchangeCode(ctx context.Context, code string) (*provider.Credentials, error) {
	return &provider.Credentials{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*provider.Credentials, error) {
	f.RefreshCalls.Add(1)
	if f.RefreshDelay > 0 {
		select {
		case <-time.After(f.RefreshDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	f.mu.Lock()
	f.tokenSeq++
	seq := f.tokenSeq
	f.mu.Unlock()
	return &provider.Credentials{
		AccessToken: "refreshed-" + strconv.Itoa(seq),
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
	}, nil
}

func (f *Fake) ResolveAccountEmail(ctx context.Context, accessToken string) (string, error) {
	if err := f.check(accessToken); err != nil {
		return "", err
	}
	return f.Email, nil
}

func (f *Fake) sorted(since time.Time) []provider.NormalizedMessage {
	var out []provider.NormalizedMessage
	for _, m := range f.messages {
		if since.IsZero() || !m.ReceivedAt.Before(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}

func (f *Fake) ListMessages(ctx context.Context, accessToken string, opts provider.ListOptions) ([]provider.NormalizedMessage, string, error) {
	if err := f.check(accessToken); err != nil {
		return nil, "", err
	}
	if f.ListErr != nil {
		return nil, "", f.ListErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.sorted(opts.Since)
	offset := 0
	if opts.PageToken != "" {
		offset, _ = strconv.Atoi(opts.PageToken)
	}
	limit := opts.Max
	if limit <= 0 {
		limit = 100
	}

	var page []provider.NormalizedMessage
	for i := offset; i < len(all) && len(page) < limit; i++ {
		if f.FailAfter > 0 && f.served >= f.FailAfter {
			return page, "", provider.NewStatusError(f.KindValue, "list", 503, "upstream unavailable")
		}
		page = append(page, all[i])
		f.served++
	}

	next := ""
	if offset+len(page) < len(all) {
		next = strconv.Itoa(offset + len(page))
	}
	return page, next, nil
}

func (f *Fake) FetchMessage(ctx context.Context, accessToken, id string) (*provider.NormalizedMessage, error) {
	if err := f.check(accessToken); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, provider.NewStatusError(f.KindValue, "get", 404, "not found")
	}
	return &m, nil
}

func (f *Fake) Mutate(ctx context.Context, accessToken, id string, m provider.Mutation) error {
	if err := f.check(accessToken); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return provider.NewStatusError(f.KindValue, "modify", 404, "not found")
	}
	if m.Read != nil {
		msg.IsRead = *m.Read
	}
	if m.Starred != nil {
		msg.IsStarred = *m.Starred
	}
	f.messages[id] = msg
	f.mutations[id] = m
	return nil
}

// DeltaSince treats the sync token as a unix timestamp: everything received
// after it is reported as changed.
func (f *Fake) DeltaSince(ctx context.Context, accessToken, syncToken string) (*provider.Delta, error) {
	if err := f.check(accessToken); err != nil {
		return nil, err
	}
	if f.DeltaErr != nil {
		return nil, f.DeltaErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	next := strconv.FormatInt(now.UnixNano(), 10)
	if syncToken == "" {
		return &provider.Delta{NextSyncToken: next}, nil
	}
	since, err := strconv.ParseInt(syncToken, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad token %q", syncToken)
	}

	delta := &provider.Delta{NextSyncToken: next, DeletedIDs: f.deleted}
	f.deleted = nil
	delta.Changed = f.sorted(time.Unix(0, since))
	return delta, nil
}
