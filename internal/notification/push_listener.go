package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	accountrepo "inboxpilot-backend/internal/account/repository"
	"inboxpilot-backend/pkg/provider"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes on a mailbox change.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// SyncTrigger schedules an incremental sync of one account.
type SyncTrigger interface {
	ScheduleSync(ctx context.Context, accountID, tenantID string) (string, error)
}

// PushListener turns Gmail push notifications into incremental syncs.
type PushListener struct {
	accounts accountrepo.AccountRepository
	syncs    SyncTrigger

	client    *pubsub.Client
	topicName string
	subName   string

	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

// NewPushListener creates a listener without a Pub/Sub connection; use
// Connect before Start.
func NewPushListener(accounts accountrepo.AccountRepository, syncs SyncTrigger) *PushListener {
	return &PushListener{
		accounts:      accounts,
		syncs:         syncs,
		lastHistoryID: make(map[string]uint64),
	}
}

// Connect opens the Pub/Sub client for topicName. The subscription is
// named <topic>-sub.
func (l *PushListener) Connect(ctx context.Context, projectID, topicName, credentialsFile string) error {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	l.client = client
	l.topicName = topicName
	l.subName = topicName + "-sub"
	return nil
}

// Start receives notifications until ctx is done.
func (l *PushListener) Start(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("pubsub client not connected")
	}
	sub, err := l.subscription(ctx)
	if err != nil {
		return err
	}

	log.Printf("[PubSub] Listening on subscription %s", l.subName)
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := l.HandleNotification(ctx, msg.Data); err != nil {
			log.Printf("[PubSub] Failed to handle notification: %v", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (l *PushListener) subscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := l.client.Subscription(l.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", l.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := l.client.Topic(l.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", l.topicName, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist", l.topicName)
	}
	sub, err = l.client.CreateSubscription(ctx, l.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", l.subName, err)
	}
	log.Printf("[PubSub] Created subscription %s", l.subName)
	return sub, nil
}

// HandleNotification schedules a sync for every active Gmail account of the
// notified mailbox. Notifications with a history id at or below the last one
// seen for that account are ignored.
func (l *PushListener) HandleNotification(ctx context.Context, data []byte) error {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Printf("[PubSub] Dropping malformed notification: %v", err)
		return nil
	}

	accounts, err := l.accounts.FindByEmail(strings.ToLower(n.EmailAddress))
	if err != nil {
		return fmt.Errorf("find accounts for %s: %w", n.EmailAddress, err)
	}

	for _, acc := range accounts {
		if !acc.IsActive || acc.Provider != provider.KindGmail {
			continue
		}
		if l.seen(acc.ID, n.HistoryID) {
			continue
		}
		if _, err := l.syncs.ScheduleSync(ctx, acc.ID, acc.TenantID); err != nil {
			return fmt.Errorf("schedule sync for %s: %w", acc.ID, err)
		}
		l.record(acc.ID, n.HistoryID)
		log.Printf("[PubSub] Scheduled sync for account %s (historyId %d)", acc.ID, n.HistoryID)
	}
	return nil
}

func (l *PushListener) seen(accountID string, historyID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastHistoryID[accountID]
	return ok && historyID <= last
}

func (l *PushListener) record(accountID string, historyID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if historyID > l.lastHistoryID[accountID] {
		l.lastHistoryID[accountID] = historyID
	}
}

func (l *PushListener) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
