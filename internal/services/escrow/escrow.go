// Package escrow is the escrow account and payment ledger: funding milestones,
// releasing or refunding held payments, and freelancer withdrawals.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/notify"
	"github.com/Windi-Fikriyansyah/escrowd/internal/policy"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/progress"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/utils"
)

type Service struct {
	run             *unit.Runner
	defaultCurrency string
}

// New builds the escrow service. defaultCurrency is used for withdrawals and
// earnings when the caller names none.
func New(run *unit.Runner, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Service{run: run, defaultCurrency: strings.ToUpper(defaultCurrency)}
}

var errNotHeld = apperr.New(apperr.KindValidation, apperr.CodeNotHeld, "payment is not in escrow")

// MilestoneSpec describes a milestone created together with its funding.
type MilestoneSpec struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	DueDate     time.Time `json:"due_date"`
}

type FundInput struct {
	JobID uuid.UUID `json:"job_id"`
	// MilestoneID funds an existing unfunded milestone; otherwise Milestone is created.
	MilestoneID    *uuid.UUID          `json:"milestone_id"`
	Milestone      *MilestoneSpec      `json:"milestone"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	PaymentDetails PaymentDetailsInput `json:"payment_details"`
}

// ValidateMilestoneSpec checks a new milestone against its job. Funded milestones
// need a positive amount.
func ValidateMilestoneSpec(spec *MilestoneSpec, job *models.Job, requireAmount bool) error {
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.Title == "" {
		return invalid("title", "milestone title is required")
	}
	if !models.TitleFits(spec.Title) {
		return invalid("title", "milestone title is too long")
	}
	if spec.Amount < 0 || (requireAmount && spec.Amount == 0) {
		return invalid("amount", "amount must be greater than zero")
	}
	spec.Currency = strings.ToUpper(strings.TrimSpace(spec.Currency))
	if spec.Currency == "" {
		spec.Currency = job.Currency
	}
	if !models.ValidCurrency(spec.Currency) {
		return invalid("currency", "currency must be a 3-letter code")
	}
	if spec.Currency != job.Currency {
		return invalid("currency", "milestone currency must match the job currency "+job.Currency)
	}
	if spec.DueDate.IsZero() {
		return invalid("due_date", "due date is required")
	}
	return nil
}

// Fund creates (or picks) a milestone, records a held payment, links the two and
// credits the job's escrow balance in one unit of work.
func (s *Service) Fund(ctx context.Context, actor models.Actor, in FundInput) (*models.Payment, *models.Milestone, error) {
	if in.MilestoneID == nil && in.Milestone == nil {
		return nil, nil, invalid("milestone", "milestone data is required")
	}
	details, err := validateFunding(in.PaymentMethod, in.PaymentDetails, s.run.Clock())
	if err != nil {
		return nil, nil, err
	}

	var (
		payment   *models.Payment
		milestone *models.Milestone
	)
	err = s.run.Atomic(ctx, store.JobKey(in.JobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, in.JobID)
		if err != nil {
			return err
		}
		subject, err := agreement.Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpFundEscrow, subject); err != nil {
			return err
		}
		if !job.Status.Active() {
			return apperr.Conflict(apperr.CodeJobNotActive, "job is "+string(job.Status))
		}

		created := false
		if in.MilestoneID != nil {
			milestone, err = tx.Milestones().Get(*in.MilestoneID)
			if err != nil {
				return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
			}
			if milestone.JobID != job.ID {
				return apperr.NotFound(apperr.CodeMilestoneNotFound, "milestone not found")
			}
			if milestone.EscrowStatus != models.EscrowUnfunded {
				return apperr.Conflict(apperr.CodeAlreadyFunded, "milestone escrow is already "+string(milestone.EscrowStatus))
			}
			if milestone.Status == models.MilestoneCompleted {
				return apperr.InvalidTransition(string(milestone.EscrowStatus), string(models.EscrowFunded), string(actor.Role))
			}
			if milestone.Amount <= 0 {
				return invalid("amount", "amount must be greater than zero")
			}
		} else {
			spec := *in.Milestone
			if err := ValidateMilestoneSpec(&spec, job, true); err != nil {
				return err
			}
			milestone = &models.Milestone{
				ID:           uuid.New(),
				JobID:        job.ID,
				Title:        spec.Title,
				Description:  strings.TrimSpace(spec.Description),
				Amount:       spec.Amount,
				Currency:     spec.Currency,
				DueDate:      spec.DueDate,
				Status:       models.MilestonePending,
				EscrowStatus: models.EscrowUnfunded,
			}
			created = true
		}

		now := s.run.Clock()
		payment = &models.Payment{
			ID:            uuid.New(),
			Reference:     utils.GenerateReference("ESC", now),
			Type:          models.PaymentTypeJob,
			Status:        models.PaymentHeld,
			Amount:        milestone.Amount,
			Currency:      milestone.Currency,
			Description:   "Payment for milestone: " + milestone.Title,
			PaymentMethod: in.PaymentMethod,
			JobID:         &job.ID,
			MilestoneID:   &milestone.ID,
			EmployerID:    &job.EmployerID,
			FreelancerID:  subject.Counterparty,
		}
		payment.Details = datatypes.NewJSONType(details)
		if err := tx.Payments().Create(payment); err != nil {
			return err
		}

		milestone.EscrowStatus = models.EscrowFunded
		milestone.PaymentID = &payment.ID
		if created {
			err = tx.Milestones().Create(milestone)
		} else {
			err = tx.Milestones().Update(milestone)
		}
		if err != nil {
			return err
		}

		if err := tx.Jobs().AdjustBalances(job.ID, milestone.Amount, 0); err != nil {
			return err
		}
		if created {
			if _, err := progress.Recompute(tx, job.ID); err != nil {
				return err
			}
		}
		if subject.Counterparty == nil {
			return nil
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventMilestoneFunded,
			RecipientID: *subject.Counterparty,
			JobID:       job.ID,
			MilestoneID: &milestone.ID,
			Title:       "Milestone Funded",
			Message:     "Escrow has been funded for milestone: " + milestone.Title,
			Data:        map[string]any{"payment_id": payment.ID.String(), "amount": milestone.Amount, "currency": milestone.Currency},
		})
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "escrow funded", "job_id", in.JobID.String(), "milestone_id", milestone.ID.String(),
		"payment_id", payment.ID.String(), "amount", payment.Amount, "currency", payment.Currency)
	return payment, milestone, nil
}

// paymentJob finds which job a payment belongs to so the caller can lock it.
func (s *Service) paymentJob(ctx context.Context, paymentID uuid.UUID) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := s.run.View(ctx, func(tx store.Tx) error {
		p, err := tx.Payments().Get(paymentID)
		if err != nil {
			return unit.NotFoundAs(err, apperr.CodePaymentNotFound, "payment not found")
		}
		if p.JobID == nil || p.Type != models.PaymentTypeJob {
			return errNotHeld
		}
		jobID = *p.JobID
		return nil
	})
	return jobID, err
}

// Release pays a held payment out to the freelancer. Releasing an already released
// payment returns it unchanged.
func (s *Service) Release(ctx context.Context, actor models.Actor, paymentID uuid.UUID) (*models.Payment, error) {
	jobID, err := s.paymentJob(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	var payment *models.Payment
	err = s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := agreement.Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpReleaseEscrow, subject); err != nil {
			return err
		}
		if payment, err = tx.Payments().Get(paymentID); err != nil {
			return err
		}
		_, err = s.ReleaseTx(ctx, tx, job, subject, payment)
		return err
	})
	if err != nil {
		s.reportLedger(ctx, err, jobID, nil, &paymentID)
		return nil, err
	}
	return payment, nil
}

// ReleaseMilestone releases the payment attached to an approved milestone. It
// returns nil when the milestone has no payment.
func (s *Service) ReleaseMilestone(ctx context.Context, jobID, milestoneID uuid.UUID) (*models.Payment, error) {
	var payment *models.Payment
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		m, err := tx.Milestones().Get(milestoneID)
		if err != nil {
			return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
		}
		if m.PaymentID == nil {
			return nil
		}
		subject, err := agreement.Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if payment, err = tx.Payments().Get(*m.PaymentID); err != nil {
			return unit.NotFoundAs(err, apperr.CodePaymentNotFound, "payment not found")
		}
		_, err = s.ReleaseTx(ctx, tx, job, subject, payment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ReleaseTx moves payment from held to released inside the caller's unit. It
// reports whether anything changed.
func (s *Service) ReleaseTx(ctx context.Context, tx store.Tx, job *models.Job, subject policy.Subject, payment *models.Payment) (bool, error) {
	if payment.JobID == nil || *payment.JobID != job.ID {
		return false, apperr.NotFound(apperr.CodePaymentNotFound, "payment not found")
	}
	switch payment.Status {
	case models.PaymentReleased:
		return false, nil
	case models.PaymentHeld:
	default:
		return false, errNotHeld.WithDetail("status", string(payment.Status))
	}
	if payment.MilestoneID == nil {
		return false, apperr.Validation("", "payment has no associated milestone")
	}
	m, err := tx.Milestones().Get(*payment.MilestoneID)
	if err != nil {
		return false, unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
	}
	if m.Submission.ReviewStatus != models.ReviewApproved || !m.HasSubmission() {
		return false, apperr.InvalidTransition(string(m.EscrowStatus), string(models.EscrowReleased), "release").
			WithDetail("reason", "submission not approved")
	}
	if subject.Counterparty == nil {
		return false, apperr.NotFound(apperr.CodeNoAcceptedApplication, "job has no accepted application")
	}

	now := s.run.Clock()
	payment.Status = models.PaymentReleased
	payment.ReleasedAt = &now
	payment.FreelancerID = subject.Counterparty
	if err := tx.Payments().Update(payment); err != nil {
		return false, err
	}
	m.EscrowStatus = models.EscrowReleased
	if err := tx.Milestones().Update(m); err != nil {
		return false, err
	}
	if err := tx.Jobs().AdjustBalances(job.ID, -payment.Amount, payment.Amount); err != nil {
		if errors.Is(err, store.ErrNegativeBalance) {
			return false, apperr.LedgerInconsistency("job escrow balance is lower than the payment being released", err).
				WithDetail("payment_id", payment.ID.String())
		}
		return false, err
	}

	logger.Info(ctx, "escrow released", "job_id", job.ID.String(), "payment_id", payment.ID.String(), "amount", payment.Amount)
	return true, notify.Enqueue(tx, notify.Event{
		Type:        models.EventPaymentReleased,
		RecipientID: *subject.Counterparty,
		JobID:       job.ID,
		MilestoneID: &m.ID,
		Title:       "Payment Released",
		Message:     fmt.Sprintf("Payment of %s has been released for milestone: %s", FormatAmount(payment.Amount, payment.Currency), m.Title),
		Data:        map[string]any{"payment_id": payment.ID.String(), "amount": payment.Amount, "currency": payment.Currency},
	})
}

// Refund returns a held payment to the employer. The owner may refund only before
// the milestone is completed; an admin may refund any held payment.
func (s *Service) Refund(ctx context.Context, actor models.Actor, paymentID uuid.UUID, reason string) (*models.Payment, error) {
	jobID, err := s.paymentJob(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	var payment *models.Payment
	err = s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := agreement.Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpRefundEscrow, subject); err != nil {
			return err
		}
		if payment, err = tx.Payments().Get(paymentID); err != nil {
			return err
		}
		switch payment.Status {
		case models.PaymentRefunded:
			return nil
		case models.PaymentHeld:
		default:
			return errNotHeld.WithDetail("status", string(payment.Status))
		}

		var m *models.Milestone
		if payment.MilestoneID != nil {
			if m, err = tx.Milestones().Get(*payment.MilestoneID); err != nil {
				return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
			}
			if m.Status == models.MilestoneCompleted && actor.Role != models.RoleAdmin {
				return apperr.InvalidTransition(string(m.EscrowStatus), string(models.EscrowRefunded), string(actor.Role)).
					WithDetail("reason", "milestone already completed")
			}
		}

		now := s.run.Clock()
		payment.Status = models.PaymentRefunded
		payment.RefundedAt = &now
		if reason = strings.TrimSpace(reason); reason != "" {
			payment.Description += " (refunded: " + reason + ")"
		}
		if err := tx.Payments().Update(payment); err != nil {
			return err
		}
		if m != nil {
			m.EscrowStatus = models.EscrowRefunded
			if err := tx.Milestones().Update(m); err != nil {
				return err
			}
		}
		if err := tx.Jobs().AdjustBalances(job.ID, -payment.Amount, 0); err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				return apperr.LedgerInconsistency("job escrow balance is lower than the payment being refunded", err).
					WithDetail("payment_id", payment.ID.String())
			}
			return err
		}

		msg := "Escrow of " + FormatAmount(payment.Amount, payment.Currency) + " has been refunded"
		events := []notify.Event{{
			Type: models.EventPaymentRefunded, RecipientID: job.EmployerID, JobID: job.ID,
			MilestoneID: payment.MilestoneID, Title: "Escrow Refunded", Message: msg,
			Data: map[string]any{"payment_id": payment.ID.String()},
		}}
		if subject.Counterparty != nil {
			e := events[0]
			e.RecipientID = *subject.Counterparty
			events = append(events, e)
		}
		return notify.Enqueue(tx, events...)
	})
	if err != nil {
		s.reportLedger(ctx, err, jobID, nil, &paymentID)
		return nil, err
	}
	logger.Info(ctx, "escrow refunded", "job_id", jobID.String(), "payment_id", paymentID.String())
	return payment, nil
}

// reportLedger records ledger inconsistencies for the reconciliation path.
func (s *Service) reportLedger(ctx context.Context, err error, jobID uuid.UUID, milestoneID, paymentID *uuid.UUID) {
	if apperr.KindOf(err) != apperr.KindLedgerInconsistency {
		return
	}
	s.run.RecordIssue(ctx, models.ReconciliationIssue{
		Kind:        models.IssueLedgerMismatch,
		JobID:       &jobID,
		MilestoneID: milestoneID,
		PaymentID:   paymentID,
		Detail:      err.Error(),
	}, nil)
}

type WithdrawInput struct {
	Amount         int64                `json:"amount"`
	Currency       string               `json:"currency"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	PaymentDetails PaymentDetailsInput  `json:"payment_details"`
}

// Earnings is a freelancer's released income and what has been withdrawn from it.
type Earnings struct {
	Currency  string `json:"currency"`
	Released  int64  `json:"released"`
	Withdrawn int64  `json:"withdrawn"`
	Available int64  `json:"available"`
}

func earnings(tx store.Tx, freelancerID uuid.UUID, currency string) (Earnings, error) {
	e := Earnings{Currency: currency}
	payments, err := tx.Payments().List(store.PaymentFilter{UserID: &freelancerID})
	if err != nil {
		return e, err
	}
	for _, p := range payments {
		if p.Currency != currency || p.FreelancerID == nil || *p.FreelancerID != freelancerID {
			continue
		}
		switch {
		case p.Type == models.PaymentTypeJob && p.Status == models.PaymentReleased:
			e.Released += p.Amount
		case p.Type == models.PaymentTypeWithdrawal && p.Status != models.PaymentRefunded:
			e.Withdrawn += -p.Amount
		}
	}
	e.Available = e.Released - e.Withdrawn
	return e, nil
}

// Withdraw records a pending payout against the freelancer's released earnings.
// Withdrawals for one user are serialized so two requests cannot overdraw.
func (s *Service) Withdraw(ctx context.Context, actor models.Actor, in WithdrawInput) (*models.Payment, error) {
	if err := policy.CanPerform(actor, policy.OpWithdraw, policy.Subject{}); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, invalid("amount", "amount must be greater than zero")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if !models.ValidCurrency(currency) {
		return nil, invalid("currency", "currency must be a 3-letter code")
	}
	details, err := validatePayout(in.PaymentMethod, in.PaymentDetails)
	if err != nil {
		return nil, err
	}

	var payment *models.Payment
	err = s.run.Atomic(ctx, store.UserKey(actor.ID), func(tx store.Tx) error {
		e, err := earnings(tx, actor.ID, currency)
		if err != nil {
			return err
		}
		if in.Amount > e.Available {
			return apperr.New(apperr.KindValidation, apperr.CodeInsufficientFunds, "insufficient balance").
				WithDetail("available", e.Available)
		}
		now := s.run.Clock()
		payment = &models.Payment{
			ID:            uuid.New(),
			Reference:     utils.GenerateReference("WDR", now),
			Type:          models.PaymentTypeWithdrawal,
			Status:        models.PaymentPending,
			Amount:        -in.Amount,
			Currency:      currency,
			Description:   "Withdrawal to " + details.BankName,
			PaymentMethod: models.MethodBankTransfer,
			FreelancerID:  &actor.ID,
		}
		payment.Details = datatypes.NewJSONType(details)
		if err := tx.Payments().Create(payment); err != nil {
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventWithdrawalRequested,
			RecipientID: actor.ID,
			Title:       "Withdrawal Requested",
			Message:     "Your withdrawal of " + FormatAmount(in.Amount, currency) + " is being processed",
			Data:        map[string]any{"payment_id": payment.ID.String()},
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "withdrawal requested", "actor_id", actor.ID.String(), "payment_id", payment.ID.String(), "amount", in.Amount)
	return payment, nil
}

// Earnings reports the caller's withdrawable balance.
func (s *Service) Earnings(ctx context.Context, actor models.Actor, currency string) (Earnings, error) {
	if err := policy.CanPerform(actor, policy.OpWithdraw, policy.Subject{}); err != nil {
		return Earnings{}, err
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if !models.ValidCurrency(currency) {
		return Earnings{}, invalid("currency", "currency must be a 3-letter code")
	}
	var out Earnings
	err := s.run.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = earnings(tx, actor.ID, currency)
		return err
	})
	return out, err
}

// History lists ledger entries where the caller is employer or freelancer.
func (s *Service) History(ctx context.Context, actor models.Actor, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Payment
	err := s.run.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Payments().List(store.PaymentFilter{UserID: &actor.ID, Limit: limit})
		return err
	})
	return out, err
}

// Totals are ledger-derived sums of a job's milestone payments.
type Totals struct {
	Held     int64 `json:"held"`
	Released int64 `json:"released"`
	Refunded int64 `json:"refunded"`
}

func Derive(payments []models.Payment) Totals {
	var t Totals
	for _, p := range payments {
		if p.Type != models.PaymentTypeJob {
			continue
		}
		switch p.Status {
		case models.PaymentHeld:
			t.Held += p.Amount
		case models.PaymentReleased:
			t.Released += p.Amount
		case models.PaymentRefunded:
			t.Refunded += p.Amount
		}
	}
	return t
}

type Balance struct {
	JobID         uuid.UUID `json:"job_id"`
	Currency      string    `json:"currency"`
	EscrowBalance int64     `json:"escrow_balance"`
	TotalPaid     int64     `json:"total_paid"`
	Ledger        Totals    `json:"ledger"`
	Consistent    bool      `json:"consistent"`
}

// Balance returns the job's running balances next to the ledger-derived values.
func (s *Service) Balance(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*Balance, error) {
	var out *Balance
	err := s.run.View(ctx, func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := agreement.ReadSubject(tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpViewEscrow, subject); err != nil {
			return err
		}
		payments, err := tx.Payments().List(store.PaymentFilter{JobID: &jobID})
		if err != nil {
			return err
		}
		t := Derive(payments)
		out = &Balance{
			JobID:         job.ID,
			Currency:      job.Currency,
			EscrowBalance: job.EscrowBalance,
			TotalPaid:     job.TotalPaid,
			Ledger:        t,
			Consistent:    t.Held == job.EscrowBalance && t.Released == job.TotalPaid,
		}
		return nil
	})
	return out, err
}

// FormatAmount renders minor units for messages, e.g. 50000 USD as "500.00 USD".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}
