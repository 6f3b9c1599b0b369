package worker

import (
	"fmt"
	"time"

	"inboxpilot-backend/pkg/queue"
)

const (
	QueueEmailHistory = "email-history"
	QueueEmailSync    = "email-sync"
	QueueEmailTriage  = "email-triage"
	QueueStyle        = "style-analysis"
	QueueFollowUp     = "follow-up"
)

// Job names, one per queue.
const (
	JobIngestHistory  = "ingest-history"
	JobSyncEmails     = "sync-emails"
	JobTriageEmail    = "triage-email"
	JobAnalyzeStyle   = "analyze-style"
	JobCheckFollowUps = "check-follow-ups"
)

const (
	followUpCheckID       = "follow-up-check"
	followUpCheckSchedule = "0 * * * *"
	recurringSyncSchedule = "*/5 * * * *"

	// AllTenants is the organization id the hourly follow-up check runs with.
	AllTenants = "*"
)

// QueueNames lists every queue in a stable order.
var QueueNames = []string{QueueEmailHistory, QueueEmailSync, QueueEmailTriage, QueueStyle, QueueFollowUp}

// queueConfigs returns the settings of every queue; handlers and exhaustion
// hooks are attached by the Service.
func queueConfigs(retention queue.Retention) map[string]queue.QueueConfig {
	return map[string]queue.QueueConfig{
		QueueEmailHistory: {
			Name:        QueueEmailHistory,
			Concurrency: 2,
			Retry:       queue.RetryPolicy{MaxAttempts: 2, Backoff: queue.Backoff{Kind: queue.BackoffExponential, Base: 10 * time.Second}},
			Retention:   retention,
		},
		QueueEmailSync: {
			Name:        QueueEmailSync,
			Concurrency: 5,
			RateLimit:   queue.RateLimit{Max: 10, Per: time.Second},
			Retry:       queue.RetryPolicy{MaxAttempts: 3, Backoff: queue.Backoff{Kind: queue.BackoffExponential, Base: 5 * time.Second}},
			Retention:   retention,
		},
		QueueEmailTriage: {
			Name:        QueueEmailTriage,
			Concurrency: 3,
			RateLimit:   queue.RateLimit{Max: 5, Per: time.Second},
			Retry:       queue.RetryPolicy{MaxAttempts: 2, Backoff: queue.Backoff{Kind: queue.BackoffFixed, Base: 3 * time.Second}},
			Retention:   triageRetention(retention),
		},
		QueueStyle: {
			Name:        QueueStyle,
			Concurrency: 1,
			Retry:       queue.RetryPolicy{MaxAttempts: 2, Backoff: queue.Backoff{Kind: queue.BackoffExponential, Base: 10 * time.Second}},
			Retention:   retention,
			Partition:   tenantPartition,
		},
		QueueFollowUp: {
			Name:        QueueFollowUp,
			Concurrency: 2,
			Retry:       queue.RetryPolicy{MaxAttempts: 3, Backoff: queue.Backoff{Kind: queue.BackoffExponential, Base: 10 * time.Second}},
			Retention:   retention,
		},
	}
}

// triageFailedRetention bounds how long a dead-lettered triage job keeps its
// message from being scheduled again.
const triageFailedRetention = 6 * time.Hour

func triageRetention(r queue.Retention) queue.Retention {
	if r.Failed <= 0 || r.Failed > triageFailedRetention {
		r.Failed = triageFailedRetention
	}
	return r
}

func tenantPartition(job *queue.Job) string {
	var p StylePayload
	if err := job.Decode(&p); err != nil {
		return ""
	}
	return p.TenantID
}

func stamp(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

func historyKey(accountID string, at time.Time) string {
	return "history:" + accountID + ":" + stamp(at)
}

func syncKey(accountID string, at time.Time) string {
	return "sync:" + accountID + ":" + stamp(at)
}

func triageKey(messageID string) string {
	return "triage:" + messageID
}

func styleKey(userID string, at time.Time) string {
	return "style:" + userID + ":" + stamp(at)
}

func followUpKey(tenantID string, at time.Time) string {
	return "followup-check:" + tenantID + ":" + stamp(at)
}

func recurringSyncID(accountID string) string {
	return "recurring-sync-" + accountID
}

// tick truncates a cron fire time so every process firing the same tick
// derives the same key.
func tick(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
