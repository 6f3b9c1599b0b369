package worker

import (
	"context"
	"errors"
	"log"

	accountdomain "inboxpilot-backend/internal/account/domain"
	emailusecase "inboxpilot-backend/internal/email/usecase"
	"inboxpilot-backend/pkg/queue"
)

var (
	ErrAccountInactive = errors.New("account is disconnected")
	// ErrAIUnavailable is retryable; the triage job waits for the backend.
	ErrAIUnavailable = errors.New("ai backend unavailable")
)

func (s *Service) processHistory(ctx context.Context, job *queue.Job) error {
	var p HistoryPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	acc, err := s.accounts.FindByID(p.AccountID)
	if err != nil {
		return err
	}
	if acc == nil || !acc.IsActive {
		log.Printf("[Worker:%s] Account %s missing or inactive, skipping", QueueEmailHistory, p.AccountID)
		return nil
	}

	log.Printf("[Worker:%s] Ingesting %d days for account %s (attempt %d)", QueueEmailHistory, p.LookbackDays, acc.ID, job.Attempt)
	if err := s.accounts.TransitionTraining(acc.ID, accountdomain.TrainingIngesting); err != nil {
		return queue.Fatal(err)
	}

	res, err := s.syncer.SyncAccount(ctx, acc.ID, p.LookbackDays)
	if err != nil {
		return err
	}
	if res.Skipped {
		// The account was disconnected mid-import; do not leave it ingesting.
		s.failTraining(acc.ID, ErrAccountInactive)
		return nil
	}
	log.Printf("[Worker:%s] Ingested %d historical messages for account %s", QueueEmailHistory, res.SyncedCount, acc.ID)

	if err := s.accounts.TransitionTraining(acc.ID, accountdomain.TrainingAnalyzing); err != nil {
		return queue.Fatal(err)
	}
	_, err = s.ScheduleStyleAnalysis(ctx, acc.TenantID, acc.UserID)
	return err
}

func (s *Service) historyExhausted(ctx context.Context, job *queue.Job, err error) {
	var p HistoryPayload
	if job.Decode(&p) != nil {
		return
	}
	s.failTraining(p.AccountID, err)
}

func (s *Service) processSync(ctx context.Context, job *queue.Job) error {
	var p SyncPayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	var (
		res *emailusecase.SyncResult
		err error
	)
	if p.FullSync {
		res, err = s.syncer.SyncAccount(ctx, p.AccountID, s.lookback)
	} else {
		res, err = s.syncer.SyncDelta(ctx, p.AccountID)
	}
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}
	if res.SyncedCount > 0 || res.DeletedCount > 0 {
		log.Printf("[Worker:%s] Account %s: %d synced, %d deleted, %d queued for triage",
			QueueEmailSync, p.AccountID, res.SyncedCount, res.DeletedCount, res.TriageScheduled)
	}
	return nil
}

func (s *Service) syncExhausted(ctx context.Context, job *queue.Job, err error) {
	var p SyncPayload
	if job.Decode(&p) != nil {
		return
	}
	s.failTraining(p.AccountID, err)
}

func (s *Service) failTraining(accountID string, cause error) {
	log.Printf("[Worker] Marking training failed for account %s: %v", accountID, cause)
	if err := s.accounts.TransitionTraining(accountID, accountdomain.TrainingFailed); err != nil {
		log.Printf("[WARN] [Worker] Training status of %s left as is: %v", accountID, err)
	}
}

func (s *Service) processTriage(ctx context.Context, job *queue.Job) error {
	var p TriagePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	msg, err := s.messages.FindByIDAny(p.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Classified() {
		return nil
	}
	if !s.triage.IsAvailable(ctx) {
		return ErrAIUnavailable
	}

	result, err := s.triage.Classify(ctx, msg.ID)
	if err != nil {
		return err
	}
	if err := s.accounts.MarkAIHealthy(msg.AccountID); err != nil {
		log.Printf("[WARN] [Worker:%s] Failed to clear AI degradation of %s: %v", QueueEmailTriage, msg.AccountID, err)
	}
	log.Printf("[Worker:%s] Message %s classified as %s (priority %d)", QueueEmailTriage, msg.ID, result.Category, result.Priority)
	return nil
}

// triageExhausted flags the account's AI health and stamps the message so
// later batches reach older mail first. Training status is left alone because
// ingestion itself succeeded.
func (s *Service) triageExhausted(ctx context.Context, job *queue.Job, err error) {
	var p TriagePayload
	if job.Decode(&p) != nil {
		return
	}
	msg, findErr := s.messages.FindByIDAny(p.MessageID)
	if findErr != nil || msg == nil {
		return
	}
	log.Printf("[Worker:%s] AI degraded for account %s: %v", QueueEmailTriage, msg.AccountID, err)
	now := s.now().UTC()
	if err := s.messages.MarkTriageFailed(msg.ID, now); err != nil {
		log.Printf("[WARN] [Worker:%s] Failed to stamp triage failure of %s: %v", QueueEmailTriage, msg.ID, err)
	}
	if err := s.accounts.MarkAIDegraded(msg.AccountID, err.Error(), now); err != nil {
		log.Printf("[WARN] [Worker:%s] Failed to mark AI degraded for %s: %v", QueueEmailTriage, msg.AccountID, err)
	}
}

// styleSources are the states a style run picks accounts up from. Accounts
// still ingesting are left to their own history job.
var styleSources = []accountdomain.TrainingStatus{accountdomain.TrainingPending, accountdomain.TrainingAnalyzing}

var analyzing = []accountdomain.TrainingStatus{accountdomain.TrainingAnalyzing}

func (s *Service) processStyle(ctx context.Context, job *queue.Job) error {
	var p StylePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if _, err := s.accounts.TransitionTrainingForUserFrom(p.TenantID, p.UserID, styleSources, accountdomain.TrainingAnalyzing); err != nil {
		return err
	}

	profile, err := s.style.AnalyzeUserStyle(ctx, p.TenantID, p.UserID)
	if err != nil {
		return err
	}

	moved, err := s.accounts.TransitionTrainingForUserFrom(p.TenantID, p.UserID, analyzing, accountdomain.TrainingCompleted)
	if err != nil {
		return err
	}
	log.Printf("[Worker:%s] Style analysis for user %s finished with status %s (%d accounts completed)",
		QueueStyle, p.UserID, profile.Status, moved)
	return nil
}

func (s *Service) styleExhausted(ctx context.Context, job *queue.Job, err error) {
	var p StylePayload
	if job.Decode(&p) != nil {
		return
	}
	log.Printf("[Worker:%s] Marking training failed for user %s: %v", QueueStyle, p.UserID, err)
	if _, err := s.accounts.TransitionTrainingForUserFrom(p.TenantID, p.UserID, analyzing, accountdomain.TrainingFailed); err != nil {
		log.Printf("[WARN] [Worker:%s] Failed to mark training failed for %s: %v", QueueStyle, p.UserID, err)
	}
}

func (s *Service) processFollowUp(ctx context.Context, job *queue.Job) error {
	var p FollowUpPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.TenantID == "" {
		p.TenantID = AllTenants
	}
	res, err := s.followUps.ProcessRules(ctx, p.TenantID)
	if err != nil {
		return err
	}
	log.Printf("[Worker:%s] Follow-up check for %s: %d matched, %d due", QueueFollowUp, p.TenantID, res.Matched, res.Due)
	return nil
}
