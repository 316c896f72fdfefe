// Package store is the persistence port for the escrow core. A unit of work runs
// under a lock key so that every write touching one job (or one user's withdrawals)
// is serialized, and commits all of its writes or none of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrNegativeBalance = errors.New("store: balance would go negative")
	// ErrInvalidValue is a value the column cannot hold, such as an oversize string.
	ErrInvalidValue = errors.New("store: value does not fit column")
)

// Lock keys.
func JobKey(id uuid.UUID) string  { return "job:" + id.String() }
func UserKey(id uuid.UUID) string { return "user:" + id.String() }

const (
	OutboxKey = "outbox"
	IssueKey  = "reconciliation"
)

type Store interface {
	// Atomic runs fn as one unit of work serialized on key.
	Atomic(ctx context.Context, key string, fn func(tx Tx) error) error
	// View runs fn against committed state. fn must not write.
	View(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	Jobs() JobRepo
	Applications() ApplicationRepo
	Milestones() MilestoneRepo
	Payments() PaymentRepo
	Reviews() ReviewRepo
	Outbox() OutboxRepo
	Notifications() NotificationRepo
	Issues() IssueRepo
}

type JobRepo interface {
	Get(id uuid.UUID) (*models.Job, error)
	Create(j *models.Job) error
	// Update writes everything except the running balances.
	Update(j *models.Job) error
	// AdjustBalances applies deltas to escrow_balance and total_paid, failing with
	// ErrNegativeBalance if either would drop below zero.
	AdjustBalances(id uuid.UUID, escrowDelta, paidDelta int64) error
	// SetBalances overwrites both balances. Used by reconciliation repair only.
	SetBalances(id uuid.UUID, escrow, paid int64) error
}

type ApplicationRepo interface {
	Get(id uuid.UUID) (*models.Application, error)
	Create(a *models.Application) error
	Update(a *models.Application) error
	ListByJob(jobID uuid.UUID) ([]models.Application, error)
	// FindAccepted returns ErrNotFound when the job has no accepted application.
	FindAccepted(jobID uuid.UUID) (*models.Application, error)
}

type MilestoneRepo interface {
	Get(id uuid.UUID) (*models.Milestone, error)
	Create(m *models.Milestone) error
	Update(m *models.Milestone) error
	Delete(id uuid.UUID) error
	// ListByJob orders by due date, then creation time.
	ListByJob(jobID uuid.UUID) ([]models.Milestone, error)
}

type PaymentFilter struct {
	JobID  *uuid.UUID
	UserID *uuid.UUID // employer or freelancer side
	Type   models.PaymentType
	Status models.PaymentStatus
	Limit  int
}

type PaymentRepo interface {
	Get(id uuid.UUID) (*models.Payment, error)
	Create(p *models.Payment) error
	Update(p *models.Payment) error
	// List is newest first.
	List(f PaymentFilter) ([]models.Payment, error)
}

type ReviewRepo interface {
	Create(r *models.Review) error
	Find(jobID, reviewerID uuid.UUID) (*models.Review, error)
}

type OutboxRepo interface {
	Add(e *models.OutboxEvent) error
	// Claim marks up to limit due events as processing. Events stuck in processing
	// since before staleBefore are claimed again.
	Claim(now, staleBefore time.Time, limit int) ([]models.OutboxEvent, error)
	MarkSent(id uuid.UUID, at time.Time) error
	MarkRetry(id uuid.UUID, attempts int, next time.Time, lastErr string, delivered []string) error
	MarkFailed(id uuid.UUID, attempts int, lastErr string) error
}

type NotificationRepo interface {
	Create(n *models.Notification) error
	List(recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(id, recipientID uuid.UUID) error
}

type IssueFilter struct {
	JobID    *uuid.UUID
	Resolved *bool
	Kind     models.IssueKind
	Limit    int
}

type IssueRepo interface {
	Get(id uuid.UUID) (*models.ReconciliationIssue, error)
	Create(i *models.ReconciliationIssue) error
	Update(i *models.ReconciliationIssue) error
	List(f IssueFilter) ([]models.ReconciliationIssue, error)
}
