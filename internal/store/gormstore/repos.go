package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type jobRepo struct{ db *gorm.DB }

func (r jobRepo) Get(id uuid.UUID) (*models.Job, error) {
	return first[models.Job](r.db, "id = ?", id)
}

func (r jobRepo) Create(j *models.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return translate(r.db.Create(j).Error)
}

// Update never touches escrow_balance or total_paid; those move only through
// AdjustBalances so a stale copy cannot overwrite them.
func (r jobRepo) Update(j *models.Job) error {
	res := r.db.Model(j).
		Select("title", "description", "freelancer_id", "status", "progress", "currency", "completed_at", "updated_at").
		Updates(j)
	return affected(res)
}

func (r jobRepo) AdjustBalances(id uuid.UUID, escrowDelta, paidDelta int64) error {
	res := r.db.Model(&models.Job{}).
		Where("id = ? AND escrow_balance + ? >= 0 AND total_paid + ? >= 0", id, escrowDelta, paidDelta).
		Updates(map[string]any{
			"escrow_balance": gorm.Expr("escrow_balance + ?", escrowDelta),
			"total_paid":     gorm.Expr("total_paid + ?", paidDelta),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(id); err != nil {
			return err
		}
		return store.ErrNegativeBalance
	}
	return nil
}

func (r jobRepo) SetBalances(id uuid.UUID, escrow, paid int64) error {
	if escrow < 0 || paid < 0 {
		return store.ErrNegativeBalance
	}
	return affected(r.db.Model(&models.Job{}).Where("id = ?", id).Updates(map[string]any{
		"escrow_balance": escrow,
		"total_paid":     paid,
		"updated_at":     time.Now(),
	}))
}

type applicationRepo struct{ db *gorm.DB }

func (r applicationRepo) Get(id uuid.UUID) (*models.Application, error) {
	return first[models.Application](r.db, "id = ?", id)
}

func (r applicationRepo) Create(a *models.Application) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return translate(r.db.Create(a).Error)
}

func (r applicationRepo) Update(a *models.Application) error {
	return affected(r.db.Model(a).Select("status", "accepted_at", "updated_at").Updates(a))
}

func (r applicationRepo) ListByJob(jobID uuid.UUID) ([]models.Application, error) {
	var rows []models.Application
	err := r.db.Where("job_id = ?", jobID).Order("created_at ASC").Find(&rows).Error
	return rows, translate(err)
}

func (r applicationRepo) FindAccepted(jobID uuid.UUID) (*models.Application, error) {
	return first[models.Application](r.db, "job_id = ? AND status = ?", jobID, models.ApplicationAccepted)
}

type milestoneRepo struct{ db *gorm.DB }

func (r milestoneRepo) Get(id uuid.UUID) (*models.Milestone, error) {
	return first[models.Milestone](r.db, "id = ?", id)
}

func (r milestoneRepo) Create(m *models.Milestone) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return translate(r.db.Create(m).Error)
}

func (r milestoneRepo) Update(m *models.Milestone) error {
	return affected(r.db.Model(m).Select("*").Omit("created_at").Updates(m))
}

func (r milestoneRepo) Delete(id uuid.UUID) error {
	return affected(r.db.Where("id = ?", id).Delete(&models.Milestone{}))
}

func (r milestoneRepo) ListByJob(jobID uuid.UUID) ([]models.Milestone, error) {
	var rows []models.Milestone
	err := r.db.Where("job_id = ?", jobID).Order("due_date ASC, created_at ASC").Find(&rows).Error
	return rows, translate(err)
}

type paymentRepo struct{ db *gorm.DB }

func (r paymentRepo) Get(id uuid.UUID) (*models.Payment, error) {
	return first[models.Payment](r.db, "id = ?", id)
}

func (r paymentRepo) Create(p *models.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return translate(r.db.Create(p).Error)
}

func (r paymentRepo) Update(p *models.Payment) error {
	return affected(r.db.Model(p).
		Select("status", "description", "freelancer_id", "released_at", "refunded_at", "updated_at").
		Updates(p))
}

func (r paymentRepo) List(f store.PaymentFilter) ([]models.Payment, error) {
	q := r.db.Model(&models.Payment{})
	if f.JobID != nil {
		q = q.Where("job_id = ?", *f.JobID)
	}
	if f.UserID != nil {
		q = q.Where("employer_id = ? OR freelancer_id = ?", *f.UserID, *f.UserID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.Payment
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, translate(err)
}

type reviewRepo struct{ db *gorm.DB }

func (r reviewRepo) Create(rv *models.Review) error {
	return translate(r.db.Create(rv).Error)
}

func (r reviewRepo) Find(jobID, reviewerID uuid.UUID) (*models.Review, error) {
	return first[models.Review](r.db, "job_id = ? AND reviewer_id = ?", jobID, reviewerID)
}

type outboxRepo struct{ db *gorm.DB }

func (r outboxRepo) Add(e *models.OutboxEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.OutboxPending
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = time.Now()
	}
	return translate(r.db.Create(e).Error)
}

// Claim uses SKIP LOCKED so concurrent relays never pick the same row.
func (r outboxRepo) Claim(now, staleBefore time.Time, limit int) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND claimed_at < ?)",
			models.OutboxPending, now, models.OutboxProcessing, staleBefore).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return rows, translate(err)
	}

	ids := make([]uuid.UUID, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
		rows[i].Status = models.OutboxProcessing
		rows[i].ClaimedAt = &now
	}
	err = r.db.Model(&models.OutboxEvent{}).Where("id IN ?", ids).
		Updates(map[string]any{"status": models.OutboxProcessing, "claimed_at": now}).Error
	return rows, translate(err)
}

func (r outboxRepo) MarkSent(id uuid.UUID, at time.Time) error {
	return affected(r.db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"status":     models.OutboxSent,
		"sent_at":    at,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
	}))
}

func (r outboxRepo) MarkRetry(id uuid.UUID, attempts int, next time.Time, lastErr string, delivered []string) error {
	return affected(r.db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"status":          models.OutboxPending,
		"attempts":        attempts,
		"next_attempt_at": next,
		"claimed_at":      nil,
		"last_error":      lastErr,
		"delivered":       datatypes.JSONSlice[string](delivered),
	}))
}

func (r outboxRepo) MarkFailed(id uuid.UUID, attempts int, lastErr string) error {
	return affected(r.db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"status":     models.OutboxFailed,
		"attempts":   attempts,
		"claimed_at": nil,
		"last_error": lastErr,
	}))
}

type notificationRepo struct{ db *gorm.DB }

func (r notificationRepo) Create(n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return translate(r.db.Create(n).Error)
}

func (r notificationRepo) List(recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := r.db.Where("recipient_id = ?", recipientID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Notification
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, translate(err)
}

func (r notificationRepo) MarkRead(id, recipientID uuid.UUID) error {
	return affected(r.db.Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", id, recipientID).
		Update("read", true))
}

type issueRepo struct{ db *gorm.DB }

func (r issueRepo) Get(id uuid.UUID) (*models.ReconciliationIssue, error) {
	return first[models.ReconciliationIssue](r.db, "id = ?", id)
}

func (r issueRepo) Create(i *models.ReconciliationIssue) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return translate(r.db.Create(i).Error)
}

func (r issueRepo) Update(i *models.ReconciliationIssue) error {
	return affected(r.db.Model(i).Select("resolved", "resolved_at", "resolved_by", "detail").Updates(i))
}

func (r issueRepo) List(f store.IssueFilter) ([]models.ReconciliationIssue, error) {
	q := r.db.Model(&models.ReconciliationIssue{})
	if f.JobID != nil {
		q = q.Where("job_id = ?", *f.JobID)
	}
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.ReconciliationIssue
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, translate(err)
}
