package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type IssueKind string

const (
	IssueLedgerMismatch     IssueKind = "ledger_mismatch"
	IssueReleaseFailed      IssueKind = "release_failed"
	IssueFreelancerMismatch IssueKind = "freelancer_mismatch"
	IssueDeliveryFailed     IssueKind = "delivery_failed"
)

// ReconciliationIssue is the audit trail for ledger inconsistencies and downstream
// failures that were not surfaced to the triggering request.
type ReconciliationIssue struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Kind        IssueKind      `gorm:"type:varchar(40);not null;index" json:"kind"`
	JobID       *uuid.UUID     `gorm:"type:uuid;index" json:"job_id,omitempty"`
	MilestoneID *uuid.UUID     `gorm:"type:uuid" json:"milestone_id,omitempty"`
	PaymentID   *uuid.UUID     `gorm:"type:uuid" json:"payment_id,omitempty"`
	Detail      string         `gorm:"type:text" json:"detail"`
	Data        datatypes.JSON `gorm:"type:jsonb" json:"data,omitempty"`
	Resolved    bool           `gorm:"not null;default:false;index" json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  *uuid.UUID     `gorm:"type:uuid" json:"resolved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
