package usecase

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/internal/followup/domain"
	"inboxpilot-backend/internal/followup/repository"
)

// DueNotifier is told when messages of a user become due.
type DueNotifier interface {
	NotifyDue(ctx context.Context, userID string, messages []*emaildomain.Message) error
}

// FollowUpUsecase defines the follow-up rule engine and the user actions on
// follow-up messages
type FollowUpUsecase interface {
	CreateRule(tenantID, userID string, in domain.RuleInput) (*domain.Rule, error)
	UpdateRule(tenantID, userID, ruleID string, in domain.RuleInput) (*domain.Rule, error)
	DeleteRule(tenantID, userID, ruleID string) error
	ListRules(tenantID, userID string) ([]*domain.Rule, error)

	// ProcessRules scans one tenant, or all tenants for "*".
	ProcessRules(ctx context.Context, tenantID string) (*domain.ScanResult, error)

	Snooze(ctx context.Context, tenantID, messageID string, days int) (*emaildomain.Message, error)
	Complete(ctx context.Context, tenantID, messageID string) (*emaildomain.Message, error)
	ListFollowUps(tenantID, userID string, status *emaildomain.FollowUpStatus, page, limit int) (*domain.Page, error)
	DueFollowUps(tenantID, userID string) ([]*emaildomain.Message, error)
	Stats(tenantID, userID string) (*domain.Stats, error)

	SetNotifier(n DueNotifier)
}

type followUpUsecase struct {
	rules     repository.RuleRepository
	followUps repository.FollowUpRepository
	messages  emailrepo.MessageRepository
	accounts  accountrepo.AccountRepository
	policy    domain.Policy
	notifier  DueNotifier
	now       func() time.Time
}

// NewFollowUpUsecase creates a new instance of followUpUsecase
func NewFollowUpUsecase(
	rules repository.RuleRepository,
	followUps repository.FollowUpRepository,
	messages emailrepo.MessageRepository,
	accounts accountrepo.AccountRepository,
	policy domain.Policy,
) FollowUpUsecase {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 100
	}
	return &followUpUsecase{
		rules:     rules,
		followUps: followUps,
		messages:  messages,
		accounts:  accounts,
		policy:    policy,
		now:       time.Now,
	}
}

func (u *followUpUsecase) SetNotifier(n DueNotifier) {
	u.notifier = n
}

func applyInput(rule *domain.Rule, in domain.RuleInput) {
	if in.Name != nil {
		rule.Name = strings.TrimSpace(*in.Name)
	}
	if in.Conditions != nil {
		rule.Conditions = *in.Conditions
	}
	if in.FollowUpDays != nil {
		rule.FollowUpDays = *in.FollowUpDays
	}
	if in.ReminderTemplate != nil {
		rule.ReminderTemplate = *in.ReminderTemplate
	}
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}
}

func (u *followUpUsecase) CreateRule(tenantID, userID string, in domain.RuleInput) (*domain.Rule, error) {
	rule := &domain.Rule{
		TenantID:     tenantID,
		UserID:       userID,
		FollowUpDays: domain.DefaultFollowUpDays,
		IsActive:     true,
	}
	applyInput(rule, in)
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := u.rules.Create(rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

// UpdateRule only affects future scans. Messages already pending or due
// keep their state.
func (u *followUpUsecase) UpdateRule(tenantID, userID, ruleID string, in domain.RuleInput) (*domain.Rule, error) {
	rule, err := u.rules.FindByID(tenantID, userID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, domain.ErrRuleNotFound
	}
	applyInput(rule, in)
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := u.rules.Update(rule); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

func (u *followUpUsecase) DeleteRule(tenantID, userID, ruleID string) error {
	deleted, err := u.rules.Delete(tenantID, userID, ruleID)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrRuleNotFound
	}
	return nil
}

func (u *followUpUsecase) ListRules(tenantID, userID string) ([]*domain.Rule, error) {
	return u.rules.ListByUser(tenantID, userID)
}

func (u *followUpUsecase) defaultCategories() []string {
	cats := make([]string, 0, len(u.policy.DefaultCategories))
	for _, c := range u.policy.DefaultCategories {
		cats = append(cats, string(c))
	}
	return cats
}

func (u *followUpUsecase) ProcessRules(ctx context.Context, tenantID string) (*domain.ScanResult, error) {
	now := u.now().UTC()
	result := &domain.ScanResult{}

	// Promotion runs before matching, so a message flagged by this scan is
	// first observable as pending and becomes due on a later scan.
	moved, err := u.followUps.PromoteDue(tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("promote due: %w", err)
	}
	result.Due = len(moved)
	u.notify(ctx, moved)

	rules, err := u.rules.ListActive(tenantID)
	if err != nil {
		return result, fmt.Errorf("list rules: %w", err)
	}

	owners := make(map[string][]*accountdomain.Account)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		key := rule.TenantID + "/" + rule.UserID
		accounts, ok := owners[key]
		if !ok {
			accounts, err = u.accounts.FindActiveByUser(rule.TenantID, rule.UserID)
			if err != nil {
				return result, fmt.Errorf("load accounts for user %s: %w", rule.UserID, err)
			}
			owners[key] = accounts
		}
		if len(accounts) == 0 {
			continue
		}
		matched, err := u.applyRule(rule, accounts, now)
		result.Matched += matched
		if err != nil {
			return result, err
		}
	}

	log.Printf("[FollowUp] Scan of %s complete: %d rules, %d matched, %d due", scopeName(tenantID), len(rules), result.Matched, result.Due)
	return result, nil
}

func scopeName(tenantID string) string {
	if tenantID == repository.AllTenants {
		return "all tenants"
	}
	return "tenant " + tenantID
}

func (u *followUpUsecase) applyRule(rule *domain.Rule, accounts []*accountdomain.Account, now time.Time) (int, error) {
	ids := make([]string, 0, len(accounts))
	addresses := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
		addresses = append(addresses, strings.ToLower(a.EmailAddress))
	}
	q := repository.CandidateQuery{
		TenantID:       rule.TenantID,
		AccountIDs:     ids,
		OwnerAddresses: addresses,
		ReceivedBefore: now.AddDate(0, 0, -rule.FollowUpDays),
		Conditions:     rule.Conditions,
		Categories:     u.defaultCategories(),
		Now:            now,
		Limit:          u.policy.BatchSize,
	}

	matched := 0
	for {
		candidates, err := u.followUps.FindCandidates(q)
		if err != nil {
			return matched, fmt.Errorf("rule %s: find candidates: %w", rule.ID, err)
		}
		moved := 0
		for _, m := range candidates {
			ok, err := u.followUps.MarkPending(m.ID, m.ReceivedAt.AddDate(0, 0, rule.FollowUpDays))
			if err != nil {
				return matched, fmt.Errorf("rule %s: mark pending: %w", rule.ID, err)
			}
			if ok {
				moved++
			}
		}
		matched += moved
		if len(candidates) < q.Limit || moved == 0 {
			return matched, nil
		}
	}
}

func (u *followUpUsecase) notify(ctx context.Context, moved []*emaildomain.Message) {
	if u.notifier == nil || len(moved) == 0 {
		return
	}
	byAccount := make(map[string][]*emaildomain.Message)
	for _, m := range moved {
		byAccount[m.AccountID] = append(byAccount[m.AccountID], m)
	}
	byUser := make(map[string][]*emaildomain.Message)
	for accountID, msgs := range byAccount {
		acc, err := u.accounts.FindByID(accountID)
		if err != nil || acc == nil {
			log.Printf("[FollowUp] [WARN] No owner for account %s, skipping %d notifications", accountID, len(msgs))
			continue
		}
		byUser[acc.UserID] = append(byUser[acc.UserID], msgs...)
	}
	for userID, msgs := range byUser {
		if err := u.notifier.NotifyDue(ctx, userID, msgs); err != nil {
			log.Printf("[FollowUp] Failed to notify user %s: %v", userID, err)
		}
	}
}

func (u *followUpUsecase) loadMessage(tenantID, messageID string) (*emaildomain.Message, error) {
	msg, err := u.messages.FindByID(tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, emaildomain.ErrMessageNotFound
	}
	return msg, nil
}

// Snooze pushes the follow-up out by days from now.
func (u *followUpUsecase) Snooze(ctx context.Context, tenantID, messageID string, days int) (*emaildomain.Message, error) {
	if err := domain.ValidateSnoozeDays(days); err != nil {
		return nil, err
	}
	msg, err := u.loadMessage(tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.FollowUpStatus == emaildomain.FollowUpCompleted {
		return nil, domain.ErrFollowUpCompleted
	}

	due := u.now().UTC().AddDate(0, 0, days)
	ok, err := u.followUps.Snooze(tenantID, messageID, due)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrFollowUpCompleted
	}
	msg.FollowUpStatus = emaildomain.FollowUpSnoozed
	msg.FollowUpDueAt = &due
	return msg, nil
}

func (u *followUpUsecase) Complete(ctx context.Context, tenantID, messageID string) (*emaildomain.Message, error) {
	msg, err := u.loadMessage(tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := u.followUps.Complete(tenantID, messageID); err != nil {
		return nil, err
	}
	msg.FollowUpStatus = emaildomain.FollowUpCompleted
	return msg, nil
}

func (u *followUpUsecase) accountIDs(tenantID, userID string) ([]string, error) {
	accounts, err := u.accounts.FindByUser(tenantID, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (u *followUpUsecase) ListFollowUps(tenantID, userID string, status *emaildomain.FollowUpStatus, page, limit int) (*domain.Page, error) {
	if status != nil && !status.Valid() {
		return nil, &domain.RuleValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *status)}
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	ids, err := u.accountIDs(tenantID, userID)
	if err != nil {
		return nil, err
	}
	msgs, total, err := u.followUps.List(tenantID, ids, status, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*emaildomain.Message{}
	}
	return &domain.Page{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		HasMore:  int64(page*limit) < total,
	}, nil
}

func (u *followUpUsecase) DueFollowUps(tenantID, userID string) ([]*emaildomain.Message, error) {
	ids, err := u.accountIDs(tenantID, userID)
	if err != nil {
		return nil, err
	}
	return u.followUps.FindDue(tenantID, ids, u.now().UTC())
}

// Stats counts open follow-ups. Total excludes completed ones.
func (u *followUpUsecase) Stats(tenantID, userID string) (*domain.Stats, error) {
	ids, err := u.accountIDs(tenantID, userID)
	if err != nil {
		return nil, err
	}
	counts, err := u.followUps.CountByStatus(tenantID, ids)
	if err != nil {
		return nil, err
	}
	s := &domain.Stats{
		Pending:   counts[emaildomain.FollowUpPending],
		Due:       counts[emaildomain.FollowUpDue],
		Snoozed:   counts[emaildomain.FollowUpSnoozed],
		Completed: counts[emaildomain.FollowUpCompleted],
	}
	s.Total = s.Pending + s.Due + s.Snoozed
	return s, nil
}
