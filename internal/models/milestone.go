// internal/models/milestone.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in-progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	// MilestoneOverdue is a read-time label, never stored.
	MilestoneOverdue MilestoneStatus = "overdue"
)

type EscrowStatus string

const (
	EscrowUnfunded EscrowStatus = "unfunded"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// SubmissionFile is metadata for a deliverable held by the file service.
type SubmissionFile struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
}

// Submission is embedded in the milestone row. SubmittedAt == nil means no submission.
type Submission struct {
	Description   string                              `gorm:"type:text" json:"description"`
	Files         datatypes.JSONSlice[SubmissionFile] `gorm:"type:jsonb" json:"files"`
	SubmittedAt   *time.Time                          `json:"submitted_at"`
	UpdatedAt     *time.Time                          `json:"updated_at,omitempty"`
	SubmittedBy   *uuid.UUID                          `gorm:"type:uuid" json:"submitted_by,omitempty"`
	ReviewStatus  ReviewStatus                        `gorm:"type:varchar(20)" json:"review_status"`
	ReviewComment string                              `gorm:"type:text" json:"review_comment"`
	ReviewedAt    *time.Time                          `json:"reviewed_at,omitempty"`
	ReviewedBy    *uuid.UUID                          `gorm:"type:uuid" json:"reviewed_by,omitempty"`
}

type Milestone struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Title       string    `gorm:"type:varchar(200);not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`

	Amount   int64     `gorm:"not null;check:amount >= 0" json:"amount"` // minor units
	Currency string    `gorm:"type:char(3);not null;default:'USD'" json:"currency"`
	DueDate  time.Time `gorm:"not null" json:"due_date"`

	Status       MilestoneStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	EscrowStatus EscrowStatus    `gorm:"type:varchar(20);not null;default:'unfunded'" json:"escrow_status"`
	PaymentID    *uuid.UUID      `gorm:"type:uuid;index" json:"payment_id,omitempty"`

	Submission Submission `gorm:"embedded;embeddedPrefix:submission_" json:"submission"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (m *Milestone) HasSubmission() bool {
	return m.Submission.SubmittedAt != nil
}

// DisplayStatus returns the stored status, or overdue for an unfinished milestone past
// its due date.
func (m *Milestone) DisplayStatus(now time.Time) MilestoneStatus {
	if m.Status != MilestoneCompleted && !m.DueDate.IsZero() && now.After(m.DueDate) {
		return MilestoneOverdue
	}
	return m.Status
}
