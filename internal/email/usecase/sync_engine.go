package usecase

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	"inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/pkg/provider"
)

const (
	syncPageSize       = 100
	deltaFallbackDays  = 1
	defaultTriageBatch = 50
)

// TriageScheduler receives the ids of messages that still need
// classification after a sync.
type TriageScheduler interface {
	ScheduleBatchTriage(ctx context.Context, messageIDs []string) (int, error)
}

// SyncResult counts what one sync pass persisted. On a mid-listing failure
// it is returned together with the error and reflects the rows kept.
type SyncResult struct {
	SyncedCount     int  `json:"synced_count"`
	CreatedCount    int  `json:"created_count"`
	UpdatedCount    int  `json:"updated_count"`
	DeletedCount    int  `json:"deleted_count"`
	TriageScheduled int  `json:"triage_scheduled"`
	Skipped         bool `json:"skipped,omitempty"`
}

// SyncEngine pulls messages from an account's provider into the local store.
type SyncEngine struct {
	accounts  accountrepo.AccountRepository
	messages  repository.MessageRepository
	vault     *accountusecase.CredentialVault
	providers *provider.Registry
	triage    TriageScheduler
	batchSize int
	now       func() time.Time
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(
	accounts accountrepo.AccountRepository,
	messages repository.MessageRepository,
	vault *accountusecase.CredentialVault,
	providers *provider.Registry,
	triageBatchSize int,
) *SyncEngine {
	if triageBatchSize <= 0 {
		triageBatchSize = defaultTriageBatch
	}
	return &SyncEngine{
		accounts:  accounts,
		messages:  messages,
		vault:     vault,
		providers: providers,
		batchSize: triageBatchSize,
		now:       time.Now,
	}
}

// SetTriageScheduler wires the component that enqueues classification work.
func (e *SyncEngine) SetTriageScheduler(s TriageScheduler) {
	e.triage = s
}

func (e *SyncEngine) loadActive(accountID string) (*accountdomain.Account, error) {
	account, err := e.accounts.FindByID(accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil || !account.IsActive {
		log.Printf("[SyncEngine] Account %s missing or inactive, skipping", accountID)
		return nil, nil
	}
	return account, nil
}

// SyncAccount lists everything received in the last lookbackDays and
// persists it. Rows saved before a failure are kept.
func (e *SyncEngine) SyncAccount(ctx context.Context, accountID string, lookbackDays int) (*SyncResult, error) {
	account, err := e.loadActive(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &SyncResult{Skipped: true}, nil
	}
	return e.syncWindow(ctx, account, lookbackDays)
}

func (e *SyncEngine) syncWindow(ctx context.Context, account *accountdomain.Account, lookbackDays int) (*SyncResult, error) {
	p, err := e.providers.Get(account.Provider)
	if err != nil {
		return nil, err
	}

	started := e.now().UTC()
	since := started.AddDate(0, 0, -lookbackDays)
	result := &SyncResult{}

	// Take the delta checkpoint first so changes made while listing are
	// picked up by the next incremental pass.
	cursor := e.bootstrapCursor(ctx, account, p)

	log.Printf("[SyncEngine] Syncing account %s since %s", account.ID, since.Format(time.RFC3339))
	pageToken := ""
	for {
		var page []provider.NormalizedMessage
		var next string
		listErr := e.vault.WithToken(ctx, account, func(token string) error {
			var err error
			page, next, err = p.ListMessages(ctx, token, provider.ListOptions{
				Max:       syncPageSize,
				PageToken: pageToken,
				Since:     since,
			})
			return err
		})

		if err := e.persist(account, page, result); err != nil {
			return result, err
		}
		if listErr != nil {
			log.Printf("[SyncEngine] Listing failed for account %s after %d messages: %v", account.ID, result.SyncedCount, listErr)
			return result, fmt.Errorf("list messages: %w", listErr)
		}
		if next == "" {
			break
		}
		pageToken = next
	}

	if err := e.accounts.MarkSynced(account.ID, started, cursor); err != nil {
		return result, fmt.Errorf("mark synced: %w", err)
	}
	e.scheduleUnclassified(ctx, account.ID, result)

	log.Printf("[SyncEngine] Account %s synced: %d messages (%d new, %d updated)",
		account.ID, result.SyncedCount, result.CreatedCount, result.UpdatedCount)
	return result, nil
}

func (e *SyncEngine) bootstrapCursor(ctx context.Context, account *accountdomain.Account, p provider.Provider) *string {
	var delta *provider.Delta
	err := e.vault.WithToken(ctx, account, func(token string) error {
		var err error
		delta, err = p.DeltaSince(ctx, token, "")
		return err
	})
	if err != nil || delta == nil || delta.NextSyncToken == "" {
		log.Printf("[SyncEngine] [WARN] Could not obtain delta cursor for account %s: %v", account.ID, err)
		return nil
	}
	return &delta.NextSyncToken
}

// SyncDelta applies the provider's changes since the stored cursor. Without
// a cursor, or when the provider no longer honors it, it falls back to a
// short lookback sync which also stores a fresh cursor.
func (e *SyncEngine) SyncDelta(ctx context.Context, accountID string) (*SyncResult, error) {
	account, err := e.loadActive(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &SyncResult{Skipped: true}, nil
	}
	if account.SyncCursor == "" {
		return e.syncWindow(ctx, account, deltaFallbackDays)
	}

	p, err := e.providers.Get(account.Provider)
	if err != nil {
		return nil, err
	}

	started := e.now().UTC()
	var delta *provider.Delta
	err = e.vault.WithToken(ctx, account, func(token string) error {
		var err error
		delta, err = p.DeltaSince(ctx, token, account.SyncCursor)
		return err
	})
	if err != nil {
		if pe, ok := provider.AsProviderError(err); ok && (pe.Status == http.StatusNotFound || pe.Status == http.StatusGone) {
			log.Printf("[SyncEngine] Cursor for account %s expired, falling back to lookback sync", account.ID)
			return e.syncWindow(ctx, account, deltaFallbackDays)
		}
		return nil, fmt.Errorf("delta sync: %w", err)
	}

	result := &SyncResult{}
	if err := e.persist(account, delta.Changed, result); err != nil {
		return result, err
	}
	deleted, err := e.messages.MarkProviderDeleted(account.ID, delta.DeletedIDs, started)
	if err != nil {
		return result, fmt.Errorf("mark deleted: %w", err)
	}
	result.DeletedCount = int(deleted)

	cursor := &delta.NextSyncToken
	if delta.NextSyncToken == "" {
		cursor = nil
	}
	if err := e.accounts.MarkSynced(account.ID, started, cursor); err != nil {
		return result, fmt.Errorf("mark synced: %w", err)
	}
	e.scheduleUnclassified(ctx, account.ID, result)

	if result.SyncedCount > 0 || result.DeletedCount > 0 {
		log.Printf("[SyncEngine] Delta for account %s: %d changed, %d deleted", account.ID, result.SyncedCount, result.DeletedCount)
	}
	return result, nil
}

func (e *SyncEngine) persist(account *accountdomain.Account, page []provider.NormalizedMessage, result *SyncResult) error {
	for i := range page {
		created, err := e.messages.SaveNormalized(account.TenantID, account.ID, &page[i])
		if err != nil {
			return fmt.Errorf("save message %s: %w", page[i].ProviderID, err)
		}
		result.SyncedCount++
		if created {
			result.CreatedCount++
		} else {
			result.UpdatedCount++
		}
	}
	return nil
}

func (e *SyncEngine) scheduleUnclassified(ctx context.Context, accountID string, result *SyncResult) {
	if e.triage == nil {
		return
	}
	msgs, err := e.messages.FindUnclassified(accountID, e.batchSize)
	if err != nil {
		log.Printf("[SyncEngine] Failed to list unclassified messages for %s: %v", accountID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	n, err := e.triage.ScheduleBatchTriage(ctx, ids)
	if err != nil {
		log.Printf("[SyncEngine] Failed to schedule triage for %s: %v", accountID, err)
	}
	result.TriageScheduled = n
}
