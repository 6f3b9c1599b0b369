package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	"inboxpilot-backend/internal/followup/domain"
	"inboxpilot-backend/internal/followup/repository"
	"inboxpilot-backend/pkg/database"
	"inboxpilot-backend/pkg/provider"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *recordingNotifier) NotifyDue(ctx context.Context, userID string, msgs []*emaildomain.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[userID] += len(msgs)
	return nil
}

type fixture struct {
	uc       *followUpUsecase
	messages emailrepo.MessageRepository
	accounts accountrepo.AccountRepository
	account  *accountdomain.Account
	clock    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := database.OpenTestDB(t, &accountdomain.Account{}, &emaildomain.Message{}, &emaildomain.Thread{}, &domain.Rule{})
	accounts := accountrepo.NewAccountRepository(db)
	messages := emailrepo.NewMessageRepository(db)

	acc := &accountdomain.Account{TenantID: "org-1", UserID: "user-1", Provider: provider.KindGmail, EmailAddress: "me@example.com", IsActive: true}
	if err := accounts.Create(acc); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		messages: messages,
		accounts: accounts,
		account:  acc,
		clock:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	uc := NewFollowUpUsecase(
		repository.NewRuleRepository(db),
		repository.NewFollowUpRepository(db),
		messages,
		accounts,
		domain.DefaultPolicy(),
	).(*followUpUsecase)
	uc.now = func() time.Time { return f.clock }
	f.uc = uc
	return f
}

// seed stores an inbound message received the given number of days before
// the fixture clock, classified as category when non-empty.
func (f *fixture) seed(t *testing.T, id, from, subject, thread, category string, daysAgo float64) *emaildomain.Message {
	t.Helper()
	received := f.clock.Add(-time.Duration(daysAgo * 24 * float64(time.Hour)))
	_, err := f.messages.SaveNormalized("org-1", f.account.ID, &provider.NormalizedMessage{
		ProviderID:       id,
		ProviderThreadID: thread,
		Subject:          subject,
		From:             provider.Address{Address: from},
		ReceivedAt:       received,
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := f.messages.FindByProviderID(f.account.ID, id)
	if category != "" {
		if _, err := f.messages.SaveTriage(msg.ID, emaildomain.Triage{Category: category, Priority: 3, Summary: "s", ProcessedAt: received}); err != nil {
			t.Fatal(err)
		}
	}
	return msg
}

func (f *fixture) reload(t *testing.T, id string) *emaildomain.Message {
	t.Helper()
	msg, err := f.messages.FindByID("org-1", id)
	if err != nil || msg == nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	return msg
}

func conds(cs ...domain.Condition) *domain.Conditions {
	list := domain.Conditions(cs)
	return &list
}

func intPtr(n int) *int { return &n }

func TestScanMarksPendingThenDue(t *testing.T) {
	f := setup(t)
	msg := f.seed(t, "m1", "client@acme.com", "Contract", "t1", "urgent", 4)
	_, err := f.uc.CreateRule("org-1", "user-1", domain.RuleInput{
		Conditions:   conds(domain.NoReplyWithin{Days: 2}),
		FollowUpDays: intPtr(3),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.uc.ProcessRules(context.Background(), "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Matched != 1 || result.Due != 0 {
		t.Errorf("first scan = %+v, want 1 matched", result)
	}
	got := f.reload(t, msg.ID)
	wantDue := msg.ReceivedAt.AddDate(0, 0, 3)
	if got.FollowUpStatus != emaildomain.FollowUpPending || got.FollowUpDueAt == nil || !got.FollowUpDueAt.Equal(wantDue) {
		t.Fatalf("status=%s due=%v, want pending until %v", got.FollowUpStatus, got.FollowUpDueAt, wantDue)
	}

	result, err = f.uc.ProcessRules(context.Background(), "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Matched != 0 || result.Due != 1 {
		t.Errorf("second scan = %+v, want 1 due", result)
	}
	if got := f.reload(t, msg.ID); got.FollowUpStatus != emaildomain.FollowUpDue {
		t.Errorf("status = %s, want due", got.FollowUpStatus)
	}
}

func TestScanDefaultCategoryPolicy(t *testing.T) {
	f := setup(t)
	fyi := f.seed(t, "m1", "news@acme.com", "Weekly", "t1", "fyi", 10)
	unclassified := f.seed(t, "m2", "x@acme.com", "Hello", "t2", "", 10)
	action := f.seed(t, "m3", "boss@acme.com", "Review", "t3", "action_required", 10)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.SenderDomain{Domain: "acme.com"})})

	result, err := f.uc.ProcessRules(context.Background(), "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Matched != 1 {
		t.Errorf("matched = %d, want 1", result.Matched)
	}
	if f.reload(t, fyi.ID).FollowUpStatus != emaildomain.FollowUpNone || f.reload(t, unclassified.ID).FollowUpStatus != emaildomain.FollowUpNone {
		t.Error("low-signal mail was flagged")
	}
	if f.reload(t, action.ID).FollowUpStatus == emaildomain.FollowUpNone {
		t.Error("action_required mail was not flagged")
	}
}

func TestScanExplicitCategoryOverridesPolicy(t *testing.T) {
	f := setup(t)
	fyi := f.seed(t, "m1", "news@acme.com", "Weekly", "t1", "fyi", 10)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.CategoryIs{Category: "fyi"})})

	if _, err := f.uc.ProcessRules(context.Background(), "org-1"); err != nil {
		t.Fatal(err)
	}
	if f.reload(t, fyi.ID).FollowUpStatus == emaildomain.FollowUpNone {
		t.Error("explicit category condition ignored")
	}
}

func TestScanConditionsAreANDed(t *testing.T) {
	f := setup(t)
	both := f.seed(t, "m1", "a@sales.acme.com", "Invoice overdue", "t1", "urgent", 10)
	wrongSubject := f.seed(t, "m2", "a@acme.com", "Lunch?", "t2", "urgent", 10)
	wrongDomain := f.seed(t, "m3", "a@other.com", "INVOICE 4", "t3", "urgent", 10)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(
		domain.SenderDomain{Domain: "@acme.com"},
		domain.SubjectContains{Text: "invoice"},
	)})

	_, _ = f.uc.ProcessRules(context.Background(), "org-1")
	if f.reload(t, both.ID).FollowUpStatus == emaildomain.FollowUpNone {
		t.Error("matching mail not flagged")
	}
	if f.reload(t, wrongSubject.ID).FollowUpStatus != emaildomain.FollowUpNone || f.reload(t, wrongDomain.ID).FollowUpStatus != emaildomain.FollowUpNone {
		t.Error("partial match flagged")
	}
}

func TestScanSkipsRepliedThreads(t *testing.T) {
	f := setup(t)
	asked := f.seed(t, "m1", "client@acme.com", "Question", "t1", "urgent", 6)
	f.seed(t, "m2", "me@example.com", "Re: Question", "t1", "", 5)
	open := f.seed(t, "m3", "client@acme.com", "Another", "t2", "urgent", 6)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 2})})

	_, _ = f.uc.ProcessRules(context.Background(), "org-1")
	if f.reload(t, asked.ID).FollowUpStatus != emaildomain.FollowUpNone {
		t.Error("answered thread was flagged")
	}
	if f.reload(t, open.ID).FollowUpStatus == emaildomain.FollowUpNone {
		t.Error("unanswered thread was not flagged")
	}
}

func TestScanRespectsDelayAndRescansAreNoOps(t *testing.T) {
	f := setup(t)
	young := f.seed(t, "m1", "client@acme.com", "Contract", "t1", "urgent", 4)
	f.seed(t, "m2", "client@acme.com", "Older", "t2", "urgent", 12)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 1}), FollowUpDays: intPtr(10)})

	first, _ := f.uc.ProcessRules(context.Background(), "org-1")
	second, _ := f.uc.ProcessRules(context.Background(), "org-1")
	third, _ := f.uc.ProcessRules(context.Background(), "org-1")
	if first.Matched != 1 || second.Due != 1 || second.Matched != 0 {
		t.Errorf("scans = %+v %+v", first, second)
	}
	if third.Matched != 0 || third.Due != 0 {
		t.Errorf("rescan = %+v, want no transitions", third)
	}
	if f.reload(t, young.ID).FollowUpStatus != emaildomain.FollowUpNone {
		t.Error("message younger than followUpDays was flagged")
	}
}

func TestScanCompletedIsTerminal(t *testing.T) {
	f := setup(t)
	msg := f.seed(t, "m1", "client@acme.com", "Contract", "t1", "urgent", 10)
	if _, err := f.uc.Complete(context.Background(), "org-1", msg.ID); err != nil {
		t.Fatal(err)
	}
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 1})})

	result, _ := f.uc.ProcessRules(context.Background(), "org-1")
	if result.Matched != 0 || f.reload(t, msg.ID).FollowUpStatus != emaildomain.FollowUpCompleted {
		t.Error("completed message was re-evaluated")
	}
	if _, err := f.uc.Snooze(context.Background(), "org-1", msg.ID, 5); !errors.Is(err, domain.ErrFollowUpCompleted) {
		t.Errorf("snooze of completed = %v", err)
	}
}

func TestRuleUpdateIsNotRetroactive(t *testing.T) {
	f := setup(t)
	msg := f.seed(t, "m1", "client@acme.com", "Contract", "t1", "urgent", 4)
	rule, _ := f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 1}), FollowUpDays: intPtr(3)})
	_, _ = f.uc.ProcessRules(context.Background(), "org-1")
	before := f.reload(t, msg.ID)

	if _, err := f.uc.UpdateRule("org-1", "user-1", rule.ID, domain.RuleInput{
		Conditions: conds(domain.SubjectContains{Text: "nothing matches this"}),
	}); err != nil {
		t.Fatal(err)
	}
	after := f.reload(t, msg.ID)
	if after.FollowUpStatus != before.FollowUpStatus || !after.FollowUpDueAt.Equal(*before.FollowUpDueAt) {
		t.Error("rule edit touched an already flagged message")
	}
}

func TestCreateRuleValidation(t *testing.T) {
	f := setup(t)
	tests := []struct {
		name string
		in   domain.RuleInput
	}{
		{"no conditions", domain.RuleInput{}},
		{"days above range", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 2}), FollowUpDays: intPtr(31)}},
		{"days below range", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 2}), FollowUpDays: intPtr(0)}},
		{"invalid category", domain.RuleInput{Conditions: conds(domain.CategoryIs{Category: "vip"})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.uc.CreateRule("org-1", "user-1", tt.in)
			var ve *domain.RuleValidationError
			if !errors.As(err, &ve) {
				t.Errorf("err = %v, want RuleValidationError", err)
			}
		})
	}
	rules, _ := f.uc.ListRules("org-1", "user-1")
	if len(rules) != 0 {
		t.Errorf("invalid rules persisted: %d", len(rules))
	}

	rule, err := f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.SubjectContains{Text: "invoice"})})
	if err != nil {
		t.Fatal(err)
	}
	if rule.FollowUpDays != domain.DefaultFollowUpDays || !rule.IsActive {
		t.Errorf("defaults not applied: %+v", rule)
	}
	if err := f.uc.DeleteRule("org-2", "user-1", rule.ID); !errors.Is(err, domain.ErrRuleNotFound) {
		t.Errorf("cross-tenant delete = %v", err)
	}
	if err := f.uc.DeleteRule("org-1", "user-1", rule.ID); err != nil {
		t.Errorf("delete = %v", err)
	}
}

func TestSnooze(t *testing.T) {
	f := setup(t)
	msg := f.seed(t, "m1", "client@acme.com", "Contract", "t1", "urgent", 4)
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 2}), FollowUpDays: intPtr(3)})
	_, _ = f.uc.ProcessRules(context.Background(), "org-1")
	_, _ = f.uc.ProcessRules(context.Background(), "org-1")

	_, err := f.uc.Snooze(context.Background(), "org-1", msg.ID, 40)
	var ve *domain.RuleValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("snooze 40 = %v, want RuleValidationError", err)
	}
	if f.reload(t, msg.ID).FollowUpStatus != emaildomain.FollowUpDue {
		t.Fatal("rejected snooze changed the message")
	}

	snoozed, err := f.uc.Snooze(context.Background(), "org-1", msg.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := f.clock.AddDate(0, 0, 5)
	got := f.reload(t, msg.ID)
	if got.FollowUpStatus != emaildomain.FollowUpSnoozed || !got.FollowUpDueAt.Equal(want) || !snoozed.FollowUpDueAt.Equal(want) {
		t.Errorf("status=%s due=%v, want snoozed until %v", got.FollowUpStatus, got.FollowUpDueAt, want)
	}

	if _, err := f.uc.Snooze(context.Background(), "org-2", msg.ID, 5); !errors.Is(err, emaildomain.ErrMessageNotFound) {
		t.Errorf("cross-tenant snooze = %v", err)
	}

	// A snoozed message comes back as due once the snooze elapses.
	f.clock = want.Add(time.Minute)
	result, _ := f.uc.ProcessRules(context.Background(), "org-1")
	if result.Due != 1 || f.reload(t, msg.ID).FollowUpStatus != emaildomain.FollowUpDue {
		t.Errorf("snooze did not expire: %+v", result)
	}
}

func TestListStatsAndNotify(t *testing.T) {
	f := setup(t)
	notifier := &recordingNotifier{}
	f.uc.SetNotifier(notifier)
	for i, id := range []string{"m1", "m2", "m3"} {
		f.seed(t, id, "client@acme.com", "Subject "+id, "t"+id, "urgent", float64(10+i))
	}
	_, _ = f.uc.CreateRule("org-1", "user-1", domain.RuleInput{Conditions: conds(domain.NoReplyWithin{Days: 1})})
	_, _ = f.uc.ProcessRules(context.Background(), "org-1")
	if len(notifier.calls) != 0 {
		t.Error("notified before anything was due")
	}
	_, _ = f.uc.ProcessRules(context.Background(), "org-1")

	if notifier.calls["user-1"] != 3 {
		t.Errorf("notified %d, want 3", notifier.calls["user-1"])
	}

	m1, _ := f.messages.FindByProviderID(f.account.ID, "m1")
	_, _ = f.uc.Complete(context.Background(), "org-1", m1.ID)

	stats, err := f.uc.Stats("org-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Due != 2 || stats.Completed != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v", stats)
	}

	page, err := f.uc.ListFollowUps("org-1", "user-1", nil, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Messages) != 2 || !page.HasMore {
		t.Errorf("page = total %d len %d more %v", page.Total, len(page.Messages), page.HasMore)
	}
	due := emaildomain.FollowUpDue
	page, _ = f.uc.ListFollowUps("org-1", "user-1", &due, 1, 50)
	if page.Total != 2 {
		t.Errorf("due total = %d", page.Total)
	}

	dueList, _ := f.uc.DueFollowUps("org-1", "user-1")
	if len(dueList) != 2 {
		t.Errorf("due follow-ups = %d", len(dueList))
	}
	other, _ := f.uc.Stats("org-1", "user-2")
	if other.Total != 0 {
		t.Error("stats leaked across users")
	}
}
