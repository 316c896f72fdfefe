// internal/models/payment.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type PaymentType string

const (
	PaymentTypeJob        PaymentType = "job_payment"
	PaymentTypeWithdrawal PaymentType = "withdrawal"
	PaymentTypeDeposit    PaymentType = "deposit"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentHeld      PaymentStatus = "held"
	PaymentReleased  PaymentStatus = "released"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCompleted PaymentStatus = "completed"
)

// Terminal ledger entries are never mutated again.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

// PaymentDetails never holds a full card number; only last4 survives validation.
type PaymentDetails struct {
	Last4         string `json:"last4,omitempty"`
	Brand         string `json:"brand,omitempty"`
	ExpiryMonth   int    `json:"expiry_month,omitempty"`
	ExpiryYear    int    `json:"expiry_year,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	IFSCCode      string `json:"ifsc_code,omitempty"`
}

// Payment is one ledger entry. Amount is signed minor units; withdrawals are negative.
type Payment struct {
	ID            uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Reference     string        `gorm:"type:varchar(32);uniqueIndex" json:"reference"`
	Type          PaymentType   `gorm:"type:varchar(20);not null;index" json:"type"`
	Status        PaymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Currency      string        `gorm:"type:char(3);not null;default:'USD'" json:"currency"`
	Description   string        `gorm:"type:text" json:"description"`
	PaymentMethod PaymentMethod `gorm:"type:varchar(20);not null" json:"payment_method"`

	Details datatypes.JSONType[PaymentDetails] `gorm:"type:jsonb" json:"payment_details"`

	JobID        *uuid.UUID `gorm:"type:uuid;index" json:"job_id,omitempty"`
	MilestoneID  *uuid.UUID `gorm:"type:uuid;index" json:"milestone_id,omitempty"`
	EmployerID   *uuid.UUID `gorm:"type:uuid;index" json:"employer_id,omitempty"`
	FreelancerID *uuid.UUID `gorm:"type:uuid;index" json:"freelancer_id,omitempty"`

	ReleasedAt *time.Time `json:"released_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
