package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	aiusecase "inboxpilot-backend/internal/ai/usecase"
	emailrepo "inboxpilot-backend/internal/email/repository"
	emailusecase "inboxpilot-backend/internal/email/usecase"
	followupusecase "inboxpilot-backend/internal/followup/usecase"
	"inboxpilot-backend/pkg/queue"
)

const defaultLookbackDays = 90

// Syncer is the part of the sync engine the processors drive.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string, lookbackDays int) (*emailusecase.SyncResult, error)
	SyncDelta(ctx context.Context, accountID string) (*emailusecase.SyncResult, error)
}

// Deps are the components the processors call into.
type Deps struct {
	Accounts  accountrepo.AccountRepository
	Messages  emailrepo.MessageRepository
	Sync      Syncer
	Triage    aiusecase.TriageUsecase
	Style     aiusecase.StyleUsecase
	FollowUps followupusecase.FollowUpUsecase
}

type Options struct {
	HistoryLookbackDays int
	Retention           queue.Retention
	// RetryBaseDelay replaces the base backoff of every queue when set.
	RetryBaseDelay time.Duration
}

// Service schedules the pipeline's background work and runs its processors
// on the orchestrator's queues.
type Service struct {
	orch      *queue.Orchestrator
	accounts  accountrepo.AccountRepository
	messages  emailrepo.MessageRepository
	syncer    Syncer
	triage    aiusecase.TriageUsecase
	style     aiusecase.StyleUsecase
	followUps followupusecase.FollowUpUsecase
	lookback  int
	now       func() time.Time
}

// NewService creates a new worker service and registers every queue on orch.
func NewService(orch *queue.Orchestrator, deps Deps, opts Options) (*Service, error) {
	if opts.HistoryLookbackDays <= 0 {
		opts.HistoryLookbackDays = defaultLookbackDays
	}
	s := &Service{
		orch:      orch,
		accounts:  deps.Accounts,
		messages:  deps.Messages,
		syncer:    deps.Sync,
		triage:    deps.Triage,
		style:     deps.Style,
		followUps: deps.FollowUps,
		lookback:  opts.HistoryLookbackDays,
		now:       time.Now,
	}

	handlers := map[string]queue.Handler{
		QueueEmailHistory: s.processHistory,
		QueueEmailSync:    s.processSync,
		QueueEmailTriage:  s.processTriage,
		QueueStyle:        s.processStyle,
		QueueFollowUp:     s.processFollowUp,
	}
	exhausted := map[string]func(context.Context, *queue.Job, error){
		QueueEmailHistory: s.historyExhausted,
		QueueEmailSync:    s.syncExhausted,
		QueueEmailTriage:  s.triageExhausted,
		QueueStyle:        s.styleExhausted,
	}

	configs := queueConfigs(opts.Retention)
	for _, name := range QueueNames {
		cfg := configs[name]
		cfg.OnExhausted = exhausted[name]
		if opts.RetryBaseDelay > 0 {
			cfg.Retry.Backoff.Base = opts.RetryBaseDelay
		}
		if err := orch.Register(cfg, handlers[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) enqueue(ctx context.Context, queueName, name, key string, payload interface{}) (string, error) {
	_, enqueued, err := s.orch.Enqueue(ctx, queueName, name, key, payload, queue.EnqueueOptions{})
	if err != nil {
		return "", err
	}
	if !enqueued {
		log.Printf("[Worker] Job %s already scheduled on %s", key, queueName)
	}
	return key, nil
}

// ScheduleHistoryIngestion enqueues a bulk import of lookbackDays of mail.
func (s *Service) ScheduleHistoryIngestion(ctx context.Context, accountID, tenantID string, lookbackDays int) (string, error) {
	if lookbackDays <= 0 {
		lookbackDays = s.lookback
	}
	return s.enqueue(ctx, QueueEmailHistory, JobIngestHistory, historyKey(accountID, s.now()), HistoryPayload{
		AccountID:    accountID,
		TenantID:     tenantID,
		LookbackDays: lookbackDays,
	})
}

// ScheduleSync enqueues an incremental sync.
func (s *Service) ScheduleSync(ctx context.Context, accountID, tenantID string) (string, error) {
	return s.enqueue(ctx, QueueEmailSync, JobSyncEmails, syncKey(accountID, s.now()), SyncPayload{
		AccountID: accountID,
		TenantID:  tenantID,
	})
}

// ScheduleTriage enqueues classification of one message. A message has at
// most one triage job per retention window.
func (s *Service) ScheduleTriage(ctx context.Context, messageID, tenantID string) (string, error) {
	return s.enqueue(ctx, QueueEmailTriage, JobTriageEmail, triageKey(messageID), TriagePayload{
		MessageID: messageID,
		TenantID:  tenantID,
	})
}

// ScheduleBatchTriage enqueues triage for every id and reports how many
// were newly scheduled.
func (s *Service) ScheduleBatchTriage(ctx context.Context, messageIDs []string) (int, error) {
	var errs []error
	scheduled := 0
	for _, id := range messageIDs {
		_, enqueued, err := s.orch.Enqueue(ctx, QueueEmailTriage, JobTriageEmail, triageKey(id), TriagePayload{MessageID: id}, queue.EnqueueOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("triage %s: %w", id, err))
			continue
		}
		if enqueued {
			scheduled++
		}
	}
	if scheduled > 0 {
		log.Printf("[Worker] Scheduled batch triage for %d of %d messages", scheduled, len(messageIDs))
	}
	return scheduled, errors.Join(errs...)
}

func (s *Service) ScheduleStyleAnalysis(ctx context.Context, tenantID, userID string) (string, error) {
	return s.enqueue(ctx, QueueStyle, JobAnalyzeStyle, styleKey(userID, s.now()), StylePayload{
		UserID:   userID,
		TenantID: tenantID,
	})
}

// ScheduleFollowUpCheck enqueues a rule scan for one organization, or all
// of them with AllTenants.
func (s *Service) ScheduleFollowUpCheck(ctx context.Context, tenantID string) (string, error) {
	return s.enqueue(ctx, QueueFollowUp, JobCheckFollowUps, followUpKey(tenantID, s.now()), FollowUpPayload{TenantID: tenantID})
}

// SetupRecurringSync registers the five-minute sync of an account.
// Registering an account twice keeps a single schedule.
func (s *Service) SetupRecurringSync(accountID, tenantID string) error {
	err := s.orch.AddRecurring(recurringSyncID(accountID), recurringSyncSchedule, QueueEmailSync, JobSyncEmails,
		func(t time.Time) string { return syncKey(accountID, tick(t)) },
		SyncPayload{AccountID: accountID, TenantID: tenantID},
	)
	if err != nil {
		return err
	}
	log.Printf("[Worker] Scheduled recurring sync for account %s", accountID)
	return nil
}

func (s *Service) RemoveRecurringSync(accountID string) {
	if s.orch.RemoveRecurring(recurringSyncID(accountID)) {
		log.Printf("[Worker] Removed recurring sync for account %s", accountID)
	}
}

// RegisterRecurring installs the hourly follow-up check and the recurring
// sync of every active account. Run it once at startup.
func (s *Service) RegisterRecurring(ctx context.Context) error {
	err := s.orch.AddRecurring(followUpCheckID, followUpCheckSchedule, QueueFollowUp, JobCheckFollowUps,
		func(t time.Time) string { return followUpKey(AllTenants, tick(t)) },
		FollowUpPayload{TenantID: AllTenants},
	)
	if err != nil {
		return err
	}

	accounts, err := s.accounts.FindActive()
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.SetupRecurringSync(acc.ID, acc.TenantID); err != nil {
			return err
		}
	}
	log.Printf("[Worker] Recurring jobs scheduled (%d accounts)", len(accounts))
	return nil
}

func (s *Service) QueueStats() (map[string]queue.QueueStats, error) {
	return s.orch.Stats()
}

func (s *Service) activeAccount(accountID, tenantID string) (*accountdomain.Account, error) {
	acc, err := s.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil || (tenantID != "" && acc.TenantID != tenantID) {
		return nil, accountdomain.ErrAccountNotFound
	}
	if !acc.IsActive {
		return nil, ErrAccountInactive
	}
	return acc, nil
}

// ConnectAccount starts the history import of a newly connected account and
// its recurring sync.
func (s *Service) ConnectAccount(ctx context.Context, tenantID, accountID string) (string, error) {
	acc, err := s.activeAccount(accountID, tenantID)
	if err != nil {
		return "", err
	}
	key, err := s.ScheduleHistoryIngestion(ctx, acc.ID, acc.TenantID, s.lookback)
	if err != nil {
		return "", err
	}
	if err := s.SetupRecurringSync(acc.ID, acc.TenantID); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) ManualSync(ctx context.Context, tenantID, accountID string) (string, error) {
	acc, err := s.activeAccount(accountID, tenantID)
	if err != nil {
		return "", err
	}
	return s.ScheduleSync(ctx, acc.ID, acc.TenantID)
}

// TriggerTraining resets the user's finished or failed accounts to pending
// and schedules a fresh style analysis.
func (s *Service) TriggerTraining(ctx context.Context, tenantID, userID string) (string, error) {
	accounts, err := s.accounts.FindActiveByUser(tenantID, userID)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", accountdomain.ErrAccountNotFound
	}
	reset, err := s.accounts.TransitionTrainingForUser(tenantID, userID, accountdomain.TrainingPending)
	if err != nil {
		return "", fmt.Errorf("reset training status: %w", err)
	}
	log.Printf("[Worker] Training triggered for user %s (%d accounts reset)", userID, reset)
	return s.ScheduleStyleAnalysis(ctx, tenantID, userID)
}

// DisconnectAccount deactivates the account and stops its recurring sync.
func (s *Service) DisconnectAccount(ctx context.Context, tenantID, accountID string) error {
	acc, err := s.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if acc == nil || (tenantID != "" && acc.TenantID != tenantID) {
		return accountdomain.ErrAccountNotFound
	}
	if err := s.accounts.Deactivate(acc.ID); err != nil {
		return err
	}
	s.RemoveRecurringSync(acc.ID)
	return nil
}
