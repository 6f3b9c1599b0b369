package queue

import (
	"encoding/json"
	"time"
)

// JobStatus is the persisted lifecycle of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Open reports whether a job with this status is still going to run.
func (s JobStatus) Open() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusRetrying
}

// JobRecord is the durable state of one job. The idempotency key is the
// primary key, so a key can only ever be enqueued once at a time.
type JobRecord struct {
	Key         string     `json:"key" gorm:"column:job_key;primaryKey"`
	Queue       string     `json:"queue" gorm:"not null;index:idx_job_queue_status"`
	Name        string     `json:"name" gorm:"not null"`
	Payload     string     `json:"payload" gorm:"type:text"`
	Status      JobStatus  `json:"status" gorm:"not null;index:idx_job_queue_status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty" gorm:"type:text"`
	RunAt       time.Time  `json:"run_at" gorm:"index"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (JobRecord) TableName() string {
	return "job_records"
}

// Job is what a handler sees.
type Job struct {
	Key     string
	Queue   string
	Name    string
	Payload json.RawMessage
	// Attempt is 1 on the first run.
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Fatal(err)
	}
	return nil
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay time.Duration
}

// QueueStats is the externally polled backlog of one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
