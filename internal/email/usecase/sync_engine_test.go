package usecase

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	"inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/database"
	"inboxpilot-backend/pkg/provider"
	"inboxpilot-backend/pkg/provider/providertest"
	"inboxpilot-backend/pkg/utils/crypto"
)

type recordingTriage struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTriage) ScheduleBatchTriage(ctx context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return len(ids), nil
}

type syncFixture struct {
	engine   *SyncEngine
	accounts accountrepo.AccountRepository
	messages repository.MessageRepository
	fake     *providertest.Fake
	triage   *recordingTriage
	account  *accountdomain.Account
	vault    *accountusecase.CredentialVault
}

func newSyncFixture(t *testing.T) *syncFixture {
	db := database.OpenTestDB(t, &accountdomain.Account{}, &domain.Message{}, &domain.Thread{})
	accounts := accountrepo.NewAccountRepository(db)
	messages := repository.NewMessageRepository(db)
	fake := providertest.New(provider.KindOutlook, "me@example.com")
	registry := provider.NewRegistry(fake)
	enc, _ := crypto.NewEncryptor("sync-test-key")
	vault := accountusecase.NewCredentialVault(accounts, registry, enc)

	acc := &accountdomain.Account{TenantID: "org-1", UserID: "user-1", Provider: provider.KindOutlook, EmailAddress: "me@example.com"}
	if err := accounts.Create(acc); err != nil {
		t.Fatal(err)
	}
	if err := vault.StoreCredentials(acc, &provider.Credentials{AccessToken: "live", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	engine := NewSyncEngine(accounts, messages, vault, registry, 50)
	triage := &recordingTriage{}
	engine.SetTriageScheduler(triage)
	return &syncFixture{engine: engine, accounts: accounts, messages: messages, fake: fake, triage: triage, account: acc, vault: vault}
}

func seed(fake *providertest.Fake, n int, age time.Duration) {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		fake.Put(provider.NormalizedMessage{
			ProviderID:       fmt.Sprintf("msg-%03d", i),
			ProviderThreadID: fmt.Sprintf("thread-%d", i%4),
			Subject:          "Hello " + strconv.Itoa(i),
			From:             provider.Address{Address: "sender@example.com"},
			ReceivedAt:       now.Add(-age).Add(-time.Duration(i) * time.Minute),
		})
	}
}

func TestSyncAccountPersistsAndSchedulesTriage(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 230, time.Hour)

	res, err := f.engine.SyncAccount(context.Background(), f.account.ID, 90)
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncedCount != 230 || res.CreatedCount != 230 {
		t.Errorf("result = %+v", res)
	}
	n, _ := f.messages.CountByAccount(f.account.ID)
	if n != 230 {
		t.Errorf("rows = %d", n)
	}
	if len(f.triage.ids) != 50 || res.TriageScheduled != 50 {
		t.Errorf("triage batch = %d, want bounded to 50", len(f.triage.ids))
	}

	acc, _ := f.accounts.FindByID(f.account.ID)
	if acc.LastSyncedAt == nil || acc.SyncCursor == "" {
		t.Errorf("account not stamped: synced=%v cursor=%q", acc.LastSyncedAt, acc.SyncCursor)
	}
}

func TestOverlappingSyncDoesNotDuplicate(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 20, time.Hour)
	ctx := context.Background()

	if _, err := f.engine.SyncAccount(ctx, f.account.ID, 90); err != nil {
		t.Fatal(err)
	}
	m, _ := f.fake.FetchMessage(ctx, "live", "msg-005")
	m.IsRead = true
	f.fake.Put(*m)

	res, err := f.engine.SyncAccount(ctx, f.account.ID, 90)
	if err != nil {
		t.Fatal(err)
	}
	if res.CreatedCount != 0 || res.UpdatedCount != 20 {
		t.Errorf("second pass = %+v", res)
	}
	n, _ := f.messages.CountByAccount(f.account.ID)
	if n != 20 {
		t.Errorf("rows = %d, want 20", n)
	}
	stored, _ := f.messages.FindByProviderID(f.account.ID, "msg-005")
	if !stored.IsRead {
		t.Error("read flag not refreshed on re-ingestion")
	}
}

func TestLookbackWindowFiltersOldMail(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 5, time.Hour)
	f.fake.Put(provider.NormalizedMessage{ProviderID: "ancient", ReceivedAt: time.Now().AddDate(0, 0, -200)})

	res, err := f.engine.SyncAccount(context.Background(), f.account.ID, 90)
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncedCount != 5 {
		t.Errorf("synced = %d", res.SyncedCount)
	}
}

func TestPartialFailureKeepsPersistedRows(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 150, time.Hour)
	f.fake.FailAfter = 120

	res, err := f.engine.SyncAccount(context.Background(), f.account.ID, 90)
	if err == nil {
		t.Fatal("expected listing error")
	}
	pe, ok := provider.AsProviderError(err)
	if !ok || !pe.Retryable {
		t.Errorf("err = %v, want retryable ProviderError", err)
	}
	if res == nil || res.SyncedCount != 120 {
		t.Fatalf("partial result = %+v", res)
	}
	n, _ := f.messages.CountByAccount(f.account.ID)
	if n != 120 {
		t.Errorf("rows = %d, want 120", n)
	}
	acc, _ := f.accounts.FindByID(f.account.ID)
	if acc.LastSyncedAt != nil {
		t.Error("lastSyncedAt must only be stamped on full success")
	}
}

func TestAuthFailureRefreshesOnceAndRetries(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 3, time.Hour)
	f.fake.RejectToken = "live"

	res, err := f.engine.SyncAccount(context.Background(), f.account.ID, 90)
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncedCount != 3 {
		t.Errorf("synced = %d", res.SyncedCount)
	}
	if f.fake.RefreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d", f.fake.RefreshCalls.Load())
	}
}

func TestInactiveAccountIsSkipped(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 3, time.Hour)
	_ = f.accounts.Deactivate(f.account.ID)

	res, err := f.engine.SyncAccount(context.Background(), f.account.ID, 90)
	if err != nil || !res.Skipped {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	res, err = f.engine.SyncDelta(context.Background(), "missing")
	if err != nil || !res.Skipped {
		t.Fatalf("missing account: res=%+v err=%v", res, err)
	}
}

func TestSyncDeltaAppliesChangesAndDeletions(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 5, time.Hour)
	ctx := context.Background()

	if _, err := f.engine.SyncAccount(ctx, f.account.ID, 90); err != nil {
		t.Fatal(err)
	}

	f.fake.Put(provider.NormalizedMessage{ProviderID: "fresh", ProviderThreadID: "thread-new", ReceivedAt: time.Now().UTC().Add(time.Second)})
	f.fake.Delete("msg-001")

	res, err := f.engine.SyncDelta(ctx, f.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CreatedCount != 1 || res.DeletedCount != 1 {
		t.Errorf("delta result = %+v", res)
	}
	gone, _ := f.messages.FindByProviderID(f.account.ID, "msg-001")
	if gone == nil || gone.ProviderDeletedAt == nil {
		t.Errorf("deleted message should be kept with a deletion stamp: %+v", gone)
	}
}

func TestSyncDeltaWithoutCursorFallsBack(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 4, time.Hour)

	res, err := f.engine.SyncDelta(context.Background(), f.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncedCount != 4 {
		t.Errorf("fallback synced %d", res.SyncedCount)
	}
	acc, _ := f.accounts.FindByID(f.account.ID)
	if acc.SyncCursor == "" {
		t.Error("fallback should store a cursor")
	}
}

func TestSyncDeltaExpiredCursorFallsBack(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 2, time.Hour)
	cursor := "stale"
	_ = f.accounts.MarkSynced(f.account.ID, time.Now(), &cursor)
	f.fake.DeltaErr = provider.NewStatusError(provider.KindOutlook, "delta", http.StatusGone, "sync state expired")

	res, err := f.engine.SyncDelta(context.Background(), f.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncedCount != 2 {
		t.Errorf("synced = %d", res.SyncedCount)
	}
}

func TestApplyMutationMirrorsLocally(t *testing.T) {
	f := newSyncFixture(t)
	seed(f.fake, 1, time.Hour)
	ctx := context.Background()
	_, _ = f.engine.SyncAccount(ctx, f.account.ID, 90)
	stored, _ := f.messages.FindByProviderID(f.account.ID, "msg-000")

	uc := NewMessageUsecase(f.messages, f.accounts, f.vault, provider.NewRegistry(f.fake))
	yes := true
	msg, err := uc.ApplyMutation(ctx, "org-1", stored.ID, provider.Mutation{Read: &yes, Archived: &yes})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsRead || msg.Labels.Has("INBOX") {
		t.Errorf("local copy = %+v", msg)
	}
	if m := f.fake.Mutations("msg-000"); m.Read == nil || !*m.Read {
		t.Error("provider not mutated")
	}

	if _, err := uc.ApplyMutation(ctx, "org-2", stored.ID, provider.Mutation{Read: &yes}); err != domain.ErrMessageNotFound {
		t.Errorf("cross-tenant err = %v", err)
	}
}
