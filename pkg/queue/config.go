package queue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// BackoffKind is the shape of the retry delay.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

type Backoff struct {
	Kind BackoffKind
	Base time.Duration
}

// MaxBackoff caps exponential delays.
const MaxBackoff = 24 * time.Hour

// Delay is the wait before the next attempt after attempt failed
// (attempt starts at 1). Exponential backoff doubles per attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Kind != BackoffExponential {
		return b.Base
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// RateLimit caps job starts to Max per Per. A zero value is unlimited.
type RateLimit struct {
	Max int
	Per time.Duration
}

func (r RateLimit) limiter() *rate.Limiter {
	if r.Max <= 0 || r.Per <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(r.Per/time.Duration(r.Max)), r.Max)
}

// Retention is how long terminal records are kept. A record inside the
// window for its outcome also makes a re-enqueue of the same key a no-op, so
// a dead-lettered job is not re-run on every schedule.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

// Handler runs one job. Returning nil completes it; Fatal(err) or an error
// whose IsRetryable() is false fails it at once.
type Handler func(ctx context.Context, job *Job) error

// QueueConfig describes one named queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	RateLimit   RateLimit
	Retry       RetryPolicy
	Retention   Retention
	// Timeout bounds a single attempt when set.
	Timeout time.Duration
	// Partition serializes jobs that map to the same non-empty string.
	Partition func(job *Job) string
	// OnExhausted observes terminal failures with a *JobExhaustedError.
	OnExhausted func(ctx context.Context, job *Job, err error)
}

func (c *QueueConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.Backoff.Kind == "" {
		c.Retry.Backoff.Kind = BackoffExponential
	}
	if c.Retry.Backoff.Base <= 0 {
		c.Retry.Backoff.Base = time.Second
	}
	if c.Retention.Completed <= 0 {
		c.Retention.Completed = 24 * time.Hour
	}
	if c.Retention.Failed <= 0 {
		c.Retention.Failed = 7 * 24 * time.Hour
	}
}
