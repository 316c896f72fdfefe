// internal/models/job.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusOpen       JobStatus = "open"
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusClosed     JobStatus = "closed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether milestones may still be created or funded.
func (s JobStatus) Active() bool {
	return s == JobStatusOpen || s == JobStatusInProgress
}

// Job is the agreement root. EscrowBalance and TotalPaid are running balances kept in
// step with the payment ledger; Progress is derived from milestones and only written by
// the progress aggregator.
type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Title       string    `gorm:"type:varchar(200);not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	EmployerID  uuid.UUID `gorm:"type:uuid;not null;index" json:"employer_id"`

	// Cached from the accepted application. Never authoritative.
	FreelancerID *uuid.UUID `gorm:"type:uuid;index" json:"freelancer_id,omitempty"`

	Status        JobStatus `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	Progress      int       `gorm:"not null;default:0;check:progress >= 0 AND progress <= 100" json:"progress"`
	Currency      string    `gorm:"type:char(3);not null;default:'USD'" json:"currency"`
	EscrowBalance int64     `gorm:"not null;default:0;check:escrow_balance >= 0" json:"escrow_balance"`
	TotalPaid     int64     `gorm:"not null;default:0;check:total_paid >= 0" json:"total_paid"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
