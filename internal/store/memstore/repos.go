package memstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type tx struct {
	s *Store

	jobs          *staged[models.Job]
	applications  *staged[models.Application]
	milestones    *staged[models.Milestone]
	payments      *staged[models.Payment]
	reviews       *staged[models.Review]
	outbox        *staged[models.OutboxEvent]
	notifications *staged[models.Notification]
	issues        *staged[models.ReconciliationIssue]
}

func (t *tx) commit() {
	t.jobs.commit()
	t.applications.commit()
	t.milestones.commit()
	t.payments.commit()
	t.reviews.commit()
	t.outbox.commit()
	t.notifications.commit()
	t.issues.commit()
}

func (t *tx) Jobs() store.JobRepo                   { return jobRepo{t} }
func (t *tx) Applications() store.ApplicationRepo   { return applicationRepo{t} }
func (t *tx) Milestones() store.MilestoneRepo       { return milestoneRepo{t} }
func (t *tx) Payments() store.PaymentRepo           { return paymentRepo{t} }
func (t *tx) Reviews() store.ReviewRepo             { return reviewRepo{t} }
func (t *tx) Outbox() store.OutboxRepo              { return outboxRepo{t} }
func (t *tx) Notifications() store.NotificationRepo { return notificationRepo{t} }
func (t *tx) Issues() store.IssueRepo               { return issueRepo{t} }

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// jobs

type jobRepo struct{ t *tx }

func (r jobRepo) Get(id uuid.UUID) (*models.Job, error) {
	if err := r.t.s.fault("jobs.get"); err != nil {
		return nil, err
	}
	j, ok := r.t.jobs.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (r jobRepo) Create(j *models.Job) error {
	if err := r.t.s.fault("jobs.create"); err != nil {
		return err
	}
	ensureID(&j.ID)
	if _, exists := r.t.jobs.get(j.ID); exists {
		return store.ErrDuplicate
	}
	now := r.t.s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	r.t.jobs.put(j.ID, *j)
	return nil
}

func (r jobRepo) Update(j *models.Job) error {
	if err := r.t.s.fault("jobs.update"); err != nil {
		return err
	}
	cur, ok := r.t.jobs.get(j.ID)
	if !ok {
		return store.ErrNotFound
	}
	j.EscrowBalance, j.TotalPaid = cur.EscrowBalance, cur.TotalPaid
	j.UpdatedAt = r.t.s.now()
	r.t.jobs.put(j.ID, *j)
	return nil
}

func (r jobRepo) AdjustBalances(id uuid.UUID, escrowDelta, paidDelta int64) error {
	if err := r.t.s.fault("jobs.adjust_balances"); err != nil {
		return err
	}
	cur, ok := r.t.jobs.get(id)
	if !ok {
		return store.ErrNotFound
	}
	if cur.EscrowBalance+escrowDelta < 0 || cur.TotalPaid+paidDelta < 0 {
		return store.ErrNegativeBalance
	}
	cur.EscrowBalance += escrowDelta
	cur.TotalPaid += paidDelta
	cur.UpdatedAt = r.t.s.now()
	r.t.jobs.put(id, cur)
	return nil
}

func (r jobRepo) SetBalances(id uuid.UUID, escrow, paid int64) error {
	if escrow < 0 || paid < 0 {
		return store.ErrNegativeBalance
	}
	cur, ok := r.t.jobs.get(id)
	if !ok {
		return store.ErrNotFound
	}
	cur.EscrowBalance, cur.TotalPaid = escrow, paid
	cur.UpdatedAt = r.t.s.now()
	r.t.jobs.put(id, cur)
	return nil
}

// applications

type applicationRepo struct{ t *tx }

func (r applicationRepo) Get(id uuid.UUID) (*models.Application, error) {
	a, ok := r.t.applications.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

// violates reports whether a would break either unique index on applications.
func (r applicationRepo) violates(a *models.Application) bool {
	clash := r.t.applications.filter(func(o *models.Application) bool {
		if o.ID == a.ID || o.JobID != a.JobID {
			return false
		}
		if o.FreelancerID == a.FreelancerID {
			return true
		}
		return a.Status == models.ApplicationAccepted && o.Status == models.ApplicationAccepted
	})
	return len(clash) > 0
}

func (r applicationRepo) Create(a *models.Application) error {
	if err := r.t.s.fault("applications.create"); err != nil {
		return err
	}
	ensureID(&a.ID)
	if r.violates(a) {
		return store.ErrDuplicate
	}
	now := r.t.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.t.applications.put(a.ID, *a)
	return nil
}

func (r applicationRepo) Update(a *models.Application) error {
	if err := r.t.s.fault("applications.update"); err != nil {
		return err
	}
	if _, ok := r.t.applications.get(a.ID); !ok {
		return store.ErrNotFound
	}
	if r.violates(a) {
		return store.ErrDuplicate
	}
	a.UpdatedAt = r.t.s.now()
	r.t.applications.put(a.ID, *a)
	return nil
}

func (r applicationRepo) ListByJob(jobID uuid.UUID) ([]models.Application, error) {
	rows := r.t.applications.filter(func(a *models.Application) bool { return a.JobID == jobID })
	sortBy(rows, func(a, b *models.Application) bool { return a.CreatedAt.Before(b.CreatedAt) })
	return rows, nil
}

func (r applicationRepo) FindAccepted(jobID uuid.UUID) (*models.Application, error) {
	if err := r.t.s.fault("applications.find_accepted"); err != nil {
		return nil, err
	}
	rows := r.t.applications.filter(func(a *models.Application) bool {
		return a.JobID == jobID && a.Status == models.ApplicationAccepted
	})
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

// milestones

type milestoneRepo struct{ t *tx }

func (r milestoneRepo) Get(id uuid.UUID) (*models.Milestone, error) {
	if err := r.t.s.fault("milestones.get"); err != nil {
		return nil, err
	}
	m, ok := r.t.milestones.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (r milestoneRepo) Create(m *models.Milestone) error {
	if err := r.t.s.fault("milestones.create"); err != nil {
		return err
	}
	ensureID(&m.ID)
	now := r.t.s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	r.t.milestones.put(m.ID, *m)
	return nil
}

func (r milestoneRepo) Update(m *models.Milestone) error {
	if err := r.t.s.fault("milestones.update"); err != nil {
		return err
	}
	if _, ok := r.t.milestones.get(m.ID); !ok {
		return store.ErrNotFound
	}
	m.UpdatedAt = r.t.s.now()
	r.t.milestones.put(m.ID, *m)
	return nil
}

func (r milestoneRepo) Delete(id uuid.UUID) error {
	if err := r.t.s.fault("milestones.delete"); err != nil {
		return err
	}
	if _, ok := r.t.milestones.get(id); !ok {
		return store.ErrNotFound
	}
	r.t.milestones.del(id)
	return nil
}

func (r milestoneRepo) ListByJob(jobID uuid.UUID) ([]models.Milestone, error) {
	if err := r.t.s.fault("milestones.list"); err != nil {
		return nil, err
	}
	rows := r.t.milestones.filter(func(m *models.Milestone) bool { return m.JobID == jobID })
	sortBy(rows, func(a, b *models.Milestone) bool {
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return rows, nil
}

// payments

type paymentRepo struct{ t *tx }

func (r paymentRepo) Get(id uuid.UUID) (*models.Payment, error) {
	if err := r.t.s.fault("payments.get"); err != nil {
		return nil, err
	}
	p, ok := r.t.payments.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r paymentRepo) Create(p *models.Payment) error {
	if err := r.t.s.fault("payments.create"); err != nil {
		return err
	}
	ensureID(&p.ID)
	if p.Reference != "" {
		dup := r.t.payments.filter(func(o *models.Payment) bool { return o.Reference == p.Reference })
		if len(dup) > 0 {
			return store.ErrDuplicate
		}
	}
	now := r.t.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.t.payments.put(p.ID, *p)
	return nil
}

func (r paymentRepo) Update(p *models.Payment) error {
	if err := r.t.s.fault("payments.update"); err != nil {
		return err
	}
	if _, ok := r.t.payments.get(p.ID); !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = r.t.s.now()
	r.t.payments.put(p.ID, *p)
	return nil
}

func sameID(p *uuid.UUID, id uuid.UUID) bool { return p != nil && *p == id }

func (r paymentRepo) List(f store.PaymentFilter) ([]models.Payment, error) {
	if err := r.t.s.fault("payments.list"); err != nil {
		return nil, err
	}
	rows := r.t.payments.filter(func(p *models.Payment) bool {
		if f.JobID != nil && !sameID(p.JobID, *f.JobID) {
			return false
		}
		if f.UserID != nil && !sameID(p.EmployerID, *f.UserID) && !sameID(p.FreelancerID, *f.UserID) {
			return false
		}
		if f.Type != "" && p.Type != f.Type {
			return false
		}
		return f.Status == "" || p.Status == f.Status
	})
	sortBy(rows, func(a, b *models.Payment) bool { return a.CreatedAt.After(b.CreatedAt) })
	return limit(rows, f.Limit), nil
}

// reviews

type reviewRepo struct{ t *tx }

func (r reviewRepo) Create(rv *models.Review) error {
	ensureID(&rv.ID)
	if _, err := r.Find(rv.JobID, rv.ReviewerID); err == nil {
		return store.ErrDuplicate
	}
	now := r.t.s.now()
	rv.CreatedAt, rv.UpdatedAt = now, now
	r.t.reviews.put(rv.ID, *rv)
	return nil
}

func (r reviewRepo) Find(jobID, reviewerID uuid.UUID) (*models.Review, error) {
	rows := r.t.reviews.filter(func(rv *models.Review) bool {
		return rv.JobID == jobID && rv.ReviewerID == reviewerID
	})
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

// outbox

type outboxRepo struct{ t *tx }

func (r outboxRepo) Add(e *models.OutboxEvent) error {
	if err := r.t.s.fault("outbox.add"); err != nil {
		return err
	}
	ensureID(&e.ID)
	now := r.t.s.now()
	e.CreatedAt = now
	if e.Status == "" {
		e.Status = models.OutboxPending
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	r.t.outbox.put(e.ID, *e)
	return nil
}

func (r outboxRepo) Claim(now, staleBefore time.Time, n int) ([]models.OutboxEvent, error) {
	if err := r.t.s.fault("outbox.claim"); err != nil {
		return nil, err
	}
	rows := r.t.outbox.filter(func(e *models.OutboxEvent) bool {
		switch e.Status {
		case models.OutboxPending:
			return !e.NextAttemptAt.After(now)
		case models.OutboxProcessing:
			return e.ClaimedAt != nil && e.ClaimedAt.Before(staleBefore)
		}
		return false
	})
	sortBy(rows, func(a, b *models.OutboxEvent) bool { return a.NextAttemptAt.Before(b.NextAttemptAt) })
	rows = limit(rows, n)
	for i := range rows {
		at := now
		rows[i].Status = models.OutboxProcessing
		rows[i].ClaimedAt = &at
		r.t.outbox.put(rows[i].ID, rows[i])
	}
	return rows, nil
}

func (r outboxRepo) update(id uuid.UUID, fn func(e *models.OutboxEvent)) error {
	e, ok := r.t.outbox.get(id)
	if !ok {
		return store.ErrNotFound
	}
	fn(&e)
	r.t.outbox.put(id, e)
	return nil
}

func (r outboxRepo) MarkSent(id uuid.UUID, at time.Time) error {
	return r.update(id, func(e *models.OutboxEvent) {
		e.Status = models.OutboxSent
		e.SentAt = &at
		e.Attempts++
		e.LastError = ""
	})
}

func (r outboxRepo) MarkRetry(id uuid.UUID, attempts int, next time.Time, lastErr string, delivered []string) error {
	return r.update(id, func(e *models.OutboxEvent) {
		e.Delivered = append([]string(nil), delivered...)
		e.Status = models.OutboxPending
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.ClaimedAt = nil
		e.LastError = lastErr
	})
}

func (r outboxRepo) MarkFailed(id uuid.UUID, attempts int, lastErr string) error {
	return r.update(id, func(e *models.OutboxEvent) {
		e.Status = models.OutboxFailed
		e.Attempts = attempts
		e.ClaimedAt = nil
		e.LastError = lastErr
	})
}

// notifications

type notificationRepo struct{ t *tx }

func (r notificationRepo) Create(n *models.Notification) error {
	if err := r.t.s.fault("notifications.create"); err != nil {
		return err
	}
	ensureID(&n.ID)
	if _, exists := r.t.notifications.get(n.ID); exists {
		return store.ErrDuplicate
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.t.s.now()
	}
	r.t.notifications.put(n.ID, *n)
	return nil
}

func (r notificationRepo) List(recipientID uuid.UUID, unreadOnly bool, n int) ([]models.Notification, error) {
	rows := r.t.notifications.filter(func(x *models.Notification) bool {
		return x.RecipientID == recipientID && (!unreadOnly || !x.Read)
	})
	sortBy(rows, func(a, b *models.Notification) bool { return a.CreatedAt.After(b.CreatedAt) })
	return limit(rows, n), nil
}

func (r notificationRepo) MarkRead(id, recipientID uuid.UUID) error {
	x, ok := r.t.notifications.get(id)
	if !ok || x.RecipientID != recipientID {
		return store.ErrNotFound
	}
	x.Read = true
	r.t.notifications.put(id, x)
	return nil
}

// reconciliation issues

type issueRepo struct{ t *tx }

func (r issueRepo) Get(id uuid.UUID) (*models.ReconciliationIssue, error) {
	i, ok := r.t.issues.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &i, nil
}

func (r issueRepo) Create(i *models.ReconciliationIssue) error {
	if err := r.t.s.fault("issues.create"); err != nil {
		return err
	}
	ensureID(&i.ID)
	i.CreatedAt = r.t.s.now()
	r.t.issues.put(i.ID, *i)
	return nil
}

func (r issueRepo) Update(i *models.ReconciliationIssue) error {
	if _, ok := r.t.issues.get(i.ID); !ok {
		return store.ErrNotFound
	}
	r.t.issues.put(i.ID, *i)
	return nil
}

func (r issueRepo) List(f store.IssueFilter) ([]models.ReconciliationIssue, error) {
	rows := r.t.issues.filter(func(i *models.ReconciliationIssue) bool {
		if f.JobID != nil && !sameID(i.JobID, *f.JobID) {
			return false
		}
		if f.Resolved != nil && i.Resolved != *f.Resolved {
			return false
		}
		return f.Kind == "" || i.Kind == f.Kind
	})
	sortBy(rows, func(a, b *models.ReconciliationIssue) bool { return a.CreatedAt.After(b.CreatedAt) })
	return limit(rows, f.Limit), nil
}
