package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	emailusecase "inboxpilot-backend/internal/email/usecase"
	followupdomain "inboxpilot-backend/internal/followup/domain"
	followuprepo "inboxpilot-backend/internal/followup/repository"
	followupusecase "inboxpilot-backend/internal/followup/usecase"
	"inboxpilot-backend/internal/worker"
	"inboxpilot-backend/pkg/database"
	"inboxpilot-backend/pkg/queue"
)

type fakeSyncer struct {
	accountID string
	days      int
	err       error
}

func (f *fakeSyncer) SyncAccount(ctx context.Context, accountID string, lookbackDays int) (*emailusecase.SyncResult, error) {
	f.accountID = accountID
	f.days = lookbackDays
	return &emailusecase.SyncResult{SyncedCount: 3, CreatedCount: 2, UpdatedCount: 1, TriageScheduled: 2}, f.err
}

func newDeps(t *testing.T) (Deps, *fakeSyncer, *queue.Orchestrator) {
	t.Helper()
	db := database.OpenTestDB(t,
		&accountdomain.Account{},
		&emaildomain.Message{},
		&emaildomain.Thread{},
		&followupdomain.Rule{},
		&queue.JobRecord{},
	)
	accounts := accountrepo.NewAccountRepository(db)
	messages := emailrepo.NewMessageRepository(db)
	followUps := followupusecase.NewFollowUpUsecase(
		followuprepo.NewRuleRepository(db),
		followuprepo.NewFollowUpRepository(db),
		messages, accounts, followupdomain.DefaultPolicy(),
	)
	orch := queue.NewOrchestrator(db)
	pipeline, err := worker.NewService(orch, worker.Deps{Accounts: accounts, Messages: messages, FollowUps: followUps}, worker.Options{})
	if err != nil {
		t.Fatal(err)
	}
	syncer := &fakeSyncer{}
	return Deps{
		Pipeline:     pipeline,
		Sync:         syncer,
		FollowUps:    followUps,
		Migrate:      func() error { return nil },
		LookbackDays: 30,
	}, syncer, orch
}

func run(t *testing.T, deps Deps, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncCommand(t *testing.T) {
	deps, syncer, _ := newDeps(t)

	out, err := run(t, deps, "sync", "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if syncer.accountID != "acc-1" || syncer.days != 30 {
		t.Errorf("synced %s over %d days", syncer.accountID, syncer.days)
	}
	if !strings.Contains(out, "Synced 3 messages (2 new, 1 updated), 2 queued for triage") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, deps, "sync", "acc-1", "--days", "7"); err != nil {
		t.Fatal(err)
	}
	if syncer.days != 7 {
		t.Errorf("days = %d, want 7", syncer.days)
	}

	syncer.err = errors.New("upstream down")
	if _, err := run(t, deps, "sync", "acc-1"); err == nil {
		t.Error("sync failure not reported")
	}
	if _, err := run(t, deps, "sync"); err == nil {
		t.Error("missing account id accepted")
	}
}

func TestQueuesStatsListsEveryQueue(t *testing.T) {
	deps, _, orch := newDeps(t)
	if _, _, err := orch.Enqueue(context.Background(), worker.QueueEmailSync, worker.JobSyncEmails, "sync:a:1", map[string]string{"accountId": "a"}, queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, deps, "queues", "stats")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(worker.QueueNames)+1 {
		t.Fatalf("output:\n%s", out)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, worker.QueueEmailSync) && !strings.Contains(strings.Join(strings.Fields(line), " "), worker.QueueEmailSync+" 1 0 0 0 0") {
			t.Errorf("sync row = %q", line)
		}
	}
}

func TestFollowUpCheckAndTrain(t *testing.T) {
	deps, _, _ := newDeps(t)

	out, err := run(t, deps, "followup", "check")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0 messages now pending, 0 due") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, deps, "train", "org-1", "nobody"); !errors.Is(err, accountdomain.ErrAccountNotFound) {
		t.Errorf("train for unknown user: %v", err)
	}
}

func TestMigrateCommand(t *testing.T) {
	deps, _, _ := newDeps(t)
	called := false
	deps.Migrate = func() error { called = true; return nil }
	out, err := run(t, deps, "migrate")
	if err != nil || !called {
		t.Fatalf("migrate: called=%v err=%v", called, err)
	}
	if !strings.Contains(out, "Schema is up to date") {
		t.Errorf("output = %q", out)
	}
}
