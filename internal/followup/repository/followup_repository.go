package repository

import (
	"strings"
	"time"

	emaildomain "inboxpilot-backend/internal/email/domain"
	"inboxpilot-backend/internal/followup/domain"

	"gorm.io/gorm"
)

// CandidateQuery selects messages a rule may move from none to pending.
type CandidateQuery struct {
	TenantID       string
	AccountIDs     []string
	OwnerAddresses []string
	ReceivedBefore time.Time
	Conditions     domain.Conditions
	// Categories applies only when Conditions carry no category condition.
	Categories []string
	Now        time.Time
	Limit      int
}

// FollowUpRepository reads and moves the follow-up state stored on messages
type FollowUpRepository interface {
	FindCandidates(q CandidateQuery) ([]*emaildomain.Message, error)
	MarkPending(messageID string, dueAt time.Time) (bool, error)
	PromoteDue(tenantID string, now time.Time) ([]*emaildomain.Message, error)
	Snooze(tenantID, messageID string, dueAt time.Time) (bool, error)
	Complete(tenantID, messageID string) (bool, error)
	List(tenantID string, accountIDs []string, status *emaildomain.FollowUpStatus, offset, limit int) ([]*emaildomain.Message, int64, error)
	FindDue(tenantID string, accountIDs []string, now time.Time) ([]*emaildomain.Message, error)
	CountByStatus(tenantID string, accountIDs []string) (map[emaildomain.FollowUpStatus]int64, error)
}

type followUpRepository struct {
	db *gorm.DB
}

// NewFollowUpRepository creates a new instance of followUpRepository
func NewFollowUpRepository(db *gorm.DB) FollowUpRepository {
	return &followUpRepository{db: db}
}

func (r *followUpRepository) FindCandidates(q CandidateQuery) ([]*emaildomain.Message, error) {
	if len(q.AccountIDs) == 0 {
		return nil, nil
	}
	tx := r.db.Model(&emaildomain.Message{}).
		Where("tenant_id = ? AND account_id IN ?", q.TenantID, q.AccountIDs).
		Where("follow_up_status = ? AND provider_deleted_at IS NULL", emaildomain.FollowUpNone).
		Where("received_at <= ?", q.ReceivedBefore)

	for _, c := range q.Conditions {
		switch cond := c.(type) {
		case domain.SenderDomain:
			d := escapeLike(cond.Normalized())
			tx = tx.Where(`(from_address LIKE ? ESCAPE '\' OR from_address LIKE ? ESCAPE '\')`, "%@"+d, "%."+d)
		case domain.SubjectContains:
			tx = tx.Where(`LOWER(subject) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(cond.Text))+"%")
		case domain.CategoryIs:
			tx = tx.Where("ai_category = ?", string(cond.Category))
		case domain.NoReplyWithin:
			tx = tx.Where("received_at <= ?", q.Now.AddDate(0, 0, -cond.Days))
			if len(q.OwnerAddresses) > 0 {
				tx = tx.Where(`NOT EXISTS (
					SELECT 1 FROM messages reply
					WHERE reply.account_id = messages.account_id
					AND reply.provider_thread_id = messages.provider_thread_id
					AND reply.from_address IN ?
					AND reply.received_at > messages.received_at)`, q.OwnerAddresses)
			}
		}
	}
	if !q.Conditions.HasCategory() && len(q.Categories) > 0 {
		tx = tx.Where("ai_category IN ?", q.Categories)
	}

	var msgs []*emaildomain.Message
	err := tx.Order("received_at ASC").Limit(q.Limit).Find(&msgs).Error
	return msgs, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user text match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// MarkPending only moves a message that is still in none.
func (r *followUpRepository) MarkPending(messageID string, dueAt time.Time) (bool, error) {
	res := r.db.Model(&emaildomain.Message{}).
		Where("id = ? AND follow_up_status = ?", messageID, emaildomain.FollowUpNone).
		Updates(map[string]interface{}{
			"follow_up_status": emaildomain.FollowUpPending,
			"follow_up_due_at": dueAt,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// PromoteDue moves pending and snoozed messages of the tenant (or of every
// tenant for AllTenants) whose due time has passed to due, and returns the
// ones it moved.
func (r *followUpRepository) PromoteDue(tenantID string, now time.Time) ([]*emaildomain.Message, error) {
	q := r.db.Where("follow_up_status IN ? AND follow_up_due_at <= ?",
		[]emaildomain.FollowUpStatus{emaildomain.FollowUpPending, emaildomain.FollowUpSnoozed}, now)
	if tenantID != AllTenants {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var overdue []*emaildomain.Message
	if err := q.Find(&overdue).Error; err != nil {
		return nil, err
	}

	moved := make([]*emaildomain.Message, 0, len(overdue))
	for _, m := range overdue {
		res := r.db.Model(&emaildomain.Message{}).
			Where("id = ? AND follow_up_status = ?", m.ID, m.FollowUpStatus).
			Updates(map[string]interface{}{
				"follow_up_status": emaildomain.FollowUpDue,
				"updated_at":       now,
			})
		if res.Error != nil {
			return moved, res.Error
		}
		if res.RowsAffected > 0 {
			m.FollowUpStatus = emaildomain.FollowUpDue
			moved = append(moved, m)
		}
	}
	return moved, nil
}

func (r *followUpRepository) Snooze(tenantID, messageID string, dueAt time.Time) (bool, error) {
	res := r.db.Model(&emaildomain.Message{}).
		Where("id = ? AND tenant_id = ? AND follow_up_status <> ?", messageID, tenantID, emaildomain.FollowUpCompleted).
		Updates(map[string]interface{}{
			"follow_up_status": emaildomain.FollowUpSnoozed,
			"follow_up_due_at": dueAt,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (r *followUpRepository) Complete(tenantID, messageID string) (bool, error) {
	res := r.db.Model(&emaildomain.Message{}).
		Where("id = ? AND tenant_id = ?", messageID, tenantID).
		Updates(map[string]interface{}{
			"follow_up_status": emaildomain.FollowUpCompleted,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// List pages through follow-up messages. A nil status lists every status
// except none.
func (r *followUpRepository) List(tenantID string, accountIDs []string, status *emaildomain.FollowUpStatus, offset, limit int) ([]*emaildomain.Message, int64, error) {
	if len(accountIDs) == 0 {
		return nil, 0, nil
	}
	var msgs []*emaildomain.Message
	var total int64

	query := r.db.Model(&emaildomain.Message{}).Where("tenant_id = ? AND account_id IN ?", tenantID, accountIDs)
	if status != nil {
		query = query.Where("follow_up_status = ?", *status)
	} else {
		query = query.Where("follow_up_status <> ?", emaildomain.FollowUpNone)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Order("CASE WHEN follow_up_due_at IS NULL THEN 1 ELSE 0 END, follow_up_due_at ASC, received_at DESC").
		Limit(limit).Offset(offset).Find(&msgs).Error
	return msgs, total, err
}

func (r *followUpRepository) FindDue(tenantID string, accountIDs []string, now time.Time) ([]*emaildomain.Message, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	var msgs []*emaildomain.Message
	err := r.db.Where("tenant_id = ? AND account_id IN ?", tenantID, accountIDs).
		Where("follow_up_status = ? AND follow_up_due_at <= ?", emaildomain.FollowUpDue, now).
		Order("follow_up_due_at ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *followUpRepository) CountByStatus(tenantID string, accountIDs []string) (map[emaildomain.FollowUpStatus]int64, error) {
	counts := make(map[emaildomain.FollowUpStatus]int64)
	if len(accountIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		FollowUpStatus emaildomain.FollowUpStatus
		N              int64
	}
	err := r.db.Model(&emaildomain.Message{}).
		Select("follow_up_status, COUNT(*) AS n").
		Where("tenant_id = ? AND account_id IN ?", tenantID, accountIDs).
		Group("follow_up_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.FollowUpStatus] = row.N
	}
	return counts, nil
}
