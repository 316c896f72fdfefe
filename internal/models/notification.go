// internal/models/notification.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventApplicationReceived EventType = "application_received"
	EventApplicationAccepted EventType = "application_accepted"
	EventApplicationRejected EventType = "application_rejected"
	EventMilestoneFunded     EventType = "milestone_funded"
	EventWorkSubmitted       EventType = "work_submitted"
	EventWorkApproved        EventType = "work_approved"
	EventWorkRejected        EventType = "work_rejected"
	EventMilestoneCompleted  EventType = "milestone_completed"
	EventPaymentReleased     EventType = "payment_released"
	EventPaymentRefunded     EventType = "payment_refunded"
	EventWithdrawalRequested EventType = "withdrawal_request"
	EventProjectClosed       EventType = "project_completed"
	EventReviewReceived      EventType = "review_received"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEvent is written in the same unit of work as the state change it describes
// and delivered later by the relay.
type OutboxEvent struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Type        EventType      `gorm:"type:varchar(40);not null" json:"type"`
	RecipientID uuid.UUID      `gorm:"type:uuid;not null" json:"recipient_id"`
	JobID       *uuid.UUID     `gorm:"type:uuid" json:"job_id,omitempty"`
	MilestoneID *uuid.UUID     `gorm:"type:uuid" json:"milestone_id,omitempty"`
	Title       string         `gorm:"type:varchar(200)" json:"title"`
	Message     string         `gorm:"type:text" json:"message"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`

	Status        OutboxStatus `gorm:"type:varchar(20);not null;default:'pending';index:ix_outbox_due,priority:1" json:"status"`
	Attempts      int          `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time    `gorm:"not null;index:ix_outbox_due,priority:2" json:"next_attempt_at"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	SentAt        *time.Time   `json:"sent_at,omitempty"`
	LastError     string       `gorm:"type:text" json:"last_error,omitempty"`
	// Delivered names the sinks that already accepted the event on an earlier attempt.
	Delivered datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"delivered,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DeliveredTo reports whether the named sink accepted the event on an earlier attempt.
func (e OutboxEvent) DeliveredTo(sink string) bool {
	for _, name := range e.Delivered {
		if name == sink {
			return true
		}
	}
	return false
}

// Notification is the inbox copy of a delivered event.
type Notification struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RecipientID uuid.UUID  `gorm:"type:uuid;not null;index" json:"recipient_id"`
	Type        EventType  `gorm:"type:varchar(40);not null" json:"type"`
	Title       string     `gorm:"type:varchar(200);not null" json:"title"`
	Message     string     `gorm:"type:text;not null" json:"message"`
	JobID       *uuid.UUID `gorm:"type:uuid" json:"job_id,omitempty"`
	MilestoneID *uuid.UUID `gorm:"type:uuid" json:"milestone_id,omitempty"`
	Read        bool       `gorm:"not null;default:false" json:"read"`
	CreatedAt   time.Time  `json:"created_at"`
}
