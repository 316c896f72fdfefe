package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Review is the closing review an employer leaves before a job can be closed.
type Review struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_reviews_job_reviewer" json:"job_id"`
	ReviewerID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_reviews_job_reviewer" json:"reviewer_id"`
	RevieweeID uuid.UUID `gorm:"type:uuid;not null;index" json:"reviewee_id"`

	Rating  int    `gorm:"not null" json:"rating"` // 1-5
	Comment string `gorm:"type:text" json:"comment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Review) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}
