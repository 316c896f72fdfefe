package models

import (
	"time"

	"github.com/google/uuid"
)

type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationWithdrawn ApplicationStatus = "withdrawn"
)

// Application binds one freelancer to one job once accepted. The partial unique index
// backs the single-accepted rule; the agreement service still checks it under the job lock.
type Application struct {
	ID           uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID        uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:ux_applications_job_freelancer;uniqueIndex:ux_applications_job_accepted,where:status = 'accepted'" json:"job_id"`
	FreelancerID uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:ux_applications_job_freelancer;index" json:"freelancer_id"`
	Status       ApplicationStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	CoverLetter  string            `gorm:"type:text" json:"cover_letter"`

	ExpectedRate     int64  `gorm:"not null" json:"expected_rate"`
	ExpectedCurrency string `gorm:"type:char(3);not null;default:'USD'" json:"expected_currency"`

	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
