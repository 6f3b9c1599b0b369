package queue

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// store persists job records. Every transition is a conditional update on
// the current status, so concurrent deliveries of the same key cannot both
// claim it.
type store struct {
	db *gorm.DB
}

// insertIfAbsent creates rec unless its key exists.
func (s *store) insertIfAbsent(rec *JobRecord) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_key"}},
		DoNothing: true,
	}).Create(rec)
	return res.RowsAffected > 0, res.Error
}

func (s *store) find(key string) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.Where("job_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// rearm resets a terminal record for a fresh run. It only applies when the
// record is still in the status the caller observed.
func (s *store) rearm(old *JobRecord, name, payload string, maxAttempts int, runAt, now time.Time) (bool, error) {
	res := s.db.Model(&JobRecord{}).
		Where("job_key = ? AND status = ?", old.Key, old.Status).
		Updates(map[string]interface{}{
			"name":         name,
			"payload":      payload,
			"status":       StatusQueued,
			"attempts":     0,
			"max_attempts": maxAttempts,
			"last_error":   "",
			"run_at":       runAt,
			"started_at":   nil,
			"finished_at":  nil,
			"updated_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

// claim moves a queued or retrying record to running and counts the attempt.
func (s *store) claim(key string, now time.Time) (*JobRecord, error) {
	res := s.db.Model(&JobRecord{}).
		Where("job_key = ? AND status IN ?", key, []JobStatus{StatusQueued, StatusRetrying}).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	return s.find(key)
}

func (s *store) complete(key string, now time.Time) error {
	return s.db.Model(&JobRecord{}).
		Where("job_key = ? AND status = ?", key, StatusRunning).
		Updates(map[string]interface{}{
			"status":      StatusCompleted,
			"last_error":  "",
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

func (s *store) retry(key string, runAt time.Time, lastErr string, now time.Time) error {
	return s.db.Model(&JobRecord{}).
		Where("job_key = ? AND status = ?", key, StatusRunning).
		Updates(map[string]interface{}{
			"status":     StatusRetrying,
			"last_error": lastErr,
			"run_at":     runAt,
			"updated_at": now,
		}).Error
}

func (s *store) fail(key string, lastErr string, now time.Time) error {
	return s.db.Model(&JobRecord{}).
		Where("job_key = ? AND status = ?", key, StatusRunning).
		Updates(map[string]interface{}{
			"status":      StatusFailed,
			"last_error":  lastErr,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

// recoverRunning hands records a crashed process left running back to the
// retry path. The interrupted attempt stays counted.
func (s *store) recoverRunning(queues []string, now time.Time) (int64, error) {
	res := s.db.Model(&JobRecord{}).
		Where("queue IN ? AND status = ?", queues, StatusRunning).
		Updates(map[string]interface{}{
			"status":     StatusRetrying,
			"last_error": "interrupted",
			"run_at":     now,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (s *store) open(queues []string) ([]*JobRecord, error) {
	var recs []*JobRecord
	err := s.db.Where("queue IN ? AND status IN ?", queues, []JobStatus{StatusQueued, StatusRetrying}).
		Order("run_at ASC").
		Find(&recs).Error
	return recs, err
}

// due lists open records whose run time has passed.
func (s *store) due(queues []string, now time.Time) ([]*JobRecord, error) {
	var recs []*JobRecord
	err := s.db.Where("queue IN ? AND status IN ? AND run_at <= ?", queues, []JobStatus{StatusQueued, StatusRetrying}, now).
		Order("run_at ASC").
		Limit(500).
		Find(&recs).Error
	return recs, err
}

type statusCount struct {
	Queue     string
	Status    JobStatus
	IsDelayed int
	N         int64
}

func (s *store) counts(now time.Time) ([]statusCount, error) {
	var rows []statusCount
	err := s.db.Model(&JobRecord{}).
		Select("queue, status, CASE WHEN run_at > ? THEN 1 ELSE 0 END AS is_delayed, COUNT(*) AS n", now).
		Group("queue, status, is_delayed").
		Scan(&rows).Error
	return rows, err
}

func (s *store) prune(queue string, status JobStatus, before time.Time) (int64, error) {
	res := s.db.Where("queue = ? AND status = ? AND finished_at < ?", queue, status, before).Delete(&JobRecord{})
	return res.RowsAffected, res.Error
}
