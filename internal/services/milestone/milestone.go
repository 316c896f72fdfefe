// Package milestone is the milestone state machine together with the submission and
// review workflow that gates escrow release.
package milestone

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/notify"
	"github.com/Windi-Fikriyansyah/escrowd/internal/policy"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/progress"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Service struct {
	run    *unit.Runner
	escrow *escrow.Service
}

func New(run *unit.Runner, esc *escrow.Service) *Service {
	return &Service{run: run, escrow: esc}
}

// View is a milestone with its read-time status label.
type View struct {
	*models.Milestone
	DisplayStatus models.MilestoneStatus `json:"display_status"`
}

func (s *Service) view(m *models.Milestone) View {
	return View{Milestone: m, DisplayStatus: m.DisplayStatus(s.run.Clock())}
}

// jobOf finds the job a milestone belongs to so the caller can take the job lock.
func (s *Service) jobOf(ctx context.Context, milestoneID uuid.UUID) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := s.run.View(ctx, func(tx store.Tx) error {
		m, err := tx.Milestones().Get(milestoneID)
		if err != nil {
			return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
		}
		jobID = m.JobID
		return nil
	})
	return jobID, err
}

// locked runs fn under the milestone's job lock with the job, subject and a fresh
// copy of the milestone loaded.
func (s *Service) locked(ctx context.Context, milestoneID uuid.UUID,
	fn func(tx store.Tx, job *models.Job, subject policy.Subject, m *models.Milestone) error) error {
	jobID, err := s.jobOf(ctx, milestoneID)
	if err != nil {
		return err
	}
	return s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		m, err := tx.Milestones().Get(milestoneID)
		if err != nil {
			return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
		}
		if m.JobID != job.ID {
			return apperr.NotFound(apperr.CodeMilestoneNotFound, "milestone not found")
		}
		subject, err := agreement.Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		return fn(tx, job, subject, m)
	})
}

type CreateInput struct {
	JobID       uuid.UUID `json:"job_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	DueDate     time.Time `json:"due_date"`
}

// Create adds an unfunded milestone. Funded milestones are created through escrow funding.
func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*View, error) {
	var m *models.Milestone
	err := s.run.Atomic(ctx, store.JobKey(in.JobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, in.JobID)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpCreateMilestone, policy.Subject{EmployerID: job.EmployerID}); err != nil {
			return err
		}
		if !job.Status.Active() {
			return apperr.Conflict(apperr.CodeJobNotActive, "job is "+string(job.Status))
		}
		spec := escrow.MilestoneSpec{Title: in.Title, Description: in.Description, Amount: in.Amount, Currency: in.Currency, DueDate: in.DueDate}
		if err := escrow.ValidateMilestoneSpec(&spec, job, false); err != nil {
			return err
		}
		m = &models.Milestone{
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
		if err := tx.Milestones().Create(m); err != nil {
			return err
		}
		_, err = progress.Recompute(tx, job.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "milestone created", "job_id", in.JobID.String(), "milestone_id", m.ID.String())
	v := s.view(m)
	return &v, nil
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*View, error) {
	var out View
	err := s.run.View(ctx, func(tx store.Tx) error {
		m, err := tx.Milestones().Get(id)
		if err != nil {
			return unit.NotFoundAs(err, apperr.CodeMilestoneNotFound, "milestone not found")
		}
		job, err := agreement.LoadJob(tx, m.JobID)
		if err != nil {
			return err
		}
		subject, err := agreement.ReadSubject(tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpViewJob, subject); err != nil {
			return err
		}
		out = s.view(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a job's milestones ordered by due date, with overdue labels applied.
func (s *Service) List(ctx context.Context, actor models.Actor, jobID uuid.UUID) ([]View, error) {
	var out []View
	err := s.run.View(ctx, func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := agreement.ReadSubject(tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpViewJob, subject); err != nil {
			return err
		}
		ms, err := tx.Milestones().ListByJob(jobID)
		if err != nil {
			return err
		}
		out = make([]View, 0, len(ms))
		for i := range ms {
			out = append(out, s.view(&ms[i]))
		}
		return nil
	})
	return out, err
}

// UpdateStatus applies a direct status transition. The counterparty starts work;
// the owner completes it, which needs an approved submission unless escrow is held
// nowhere on the milestone.
func (s *Service) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, to models.MilestoneStatus) (*View, error) {
	var out *models.Milestone
	err := s.locked(ctx, id, func(tx store.Tx, job *models.Job, subject policy.Subject, m *models.Milestone) error {
		if err := policy.CanPerform(actor, policy.OpViewJob, subject); err != nil {
			return err
		}
		from := m.Status
		role := string(actor.Role)

		switch {
		case from == models.MilestonePending && to == models.MilestoneInProgress:
			if err := policy.CanPerform(actor, policy.OpStartMilestone, subject); err != nil {
				return apperr.InvalidTransition(string(from), string(to), role)
			}
		case from == models.MilestoneInProgress && to == models.MilestoneCompleted:
			if err := policy.CanPerform(actor, policy.OpCompleteMilestone, subject); err != nil {
				return apperr.InvalidTransition(string(from), string(to), role)
			}
			if m.EscrowStatus == models.EscrowFunded && m.Submission.ReviewStatus != models.ReviewApproved {
				return apperr.InvalidTransition(string(from), string(to), role).
					WithDetail("reason", "funded milestones complete through an approved submission")
			}
			now := s.run.Clock()
			m.CompletedAt = &now
		default:
			return apperr.InvalidTransition(string(from), string(to), role)
		}

		m.Status = to
		if err := tx.Milestones().Update(m); err != nil {
			return err
		}
		if _, err := progress.Recompute(tx, job.ID); err != nil {
			return err
		}
		out = m

		if to != models.MilestoneCompleted || subject.Counterparty == nil {
			return nil
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventMilestoneCompleted,
			RecipientID: *subject.Counterparty,
			JobID:       job.ID,
			MilestoneID: &m.ID,
			Title:       "Milestone Completed",
			Message:     "Milestone marked as completed: " + m.Title,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "milestone status changed", "milestone_id", id.String(), "status", string(to))
	v := s.view(out)
	return &v, nil
}

// Delete removes an unfunded milestone. Funded milestones are part of the ledger
// and are never deleted.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	err := s.locked(ctx, id, func(tx store.Tx, job *models.Job, subject policy.Subject, m *models.Milestone) error {
		if err := policy.CanPerform(actor, policy.OpDeleteMilestone, subject); err != nil {
			return err
		}
		if m.EscrowStatus != models.EscrowUnfunded || m.PaymentID != nil {
			return apperr.Conflict(apperr.CodeAlreadyFunded, "funded milestones cannot be deleted").
				WithDetail("escrow_status", string(m.EscrowStatus))
		}
		if err := tx.Milestones().Delete(m.ID); err != nil {
			return err
		}
		_, err := progress.Recompute(tx, job.ID)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "milestone deleted", "milestone_id", id.String())
	return nil
}

type SubmitInput struct {
	Description string                  `json:"description"`
	Files       []models.SubmissionFile `json:"files"`
}

// Submit creates or updates the milestone's submission and puts it back up for review.
// A retry carrying nothing new while the review is still pending changes nothing. A
// resubmission clears the previous review comment; the rejection notification keeps it.
func (s *Service) Submit(ctx context.Context, actor models.Actor, id uuid.UUID, in SubmitInput) (*View, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, apperr.Validation(apperr.CodeMissingDescription, "description is required")
	}
	if err := validateFiles(in.Files); err != nil {
		return nil, err
	}

	var (
		out       *models.Milestone
		unchanged bool
	)
	err := s.locked(ctx, id, func(tx store.Tx, job *models.Job, subject policy.Subject, m *models.Milestone) error {
		if err := policy.CanPerform(actor, policy.OpSubmitWork, subject); err != nil {
			return err
		}
		if !job.Status.Active() {
			return apperr.Conflict(apperr.CodeJobNotActive, "job is "+string(job.Status))
		}
		if m.Status == models.MilestoneCompleted {
			return apperr.InvalidTransition(string(m.Status), string(models.MilestoneInProgress), string(actor.Role))
		}

		sub := &m.Submission
		merged := mergeFiles(sub.Files, in.Files)
		out = m
		if sub.SubmittedAt != nil && sub.ReviewStatus == models.ReviewPending &&
			m.Status == models.MilestoneInProgress && sub.Description == desc && sameFiles(sub.Files, merged) {
			// retried submission; nothing to record
			unchanged = true
			return nil
		}

		now := s.run.Clock()
		if sub.SubmittedAt != nil {
			sub.UpdatedAt = &now
		}
		sub.Description = desc
		sub.Files = merged
		sub.SubmittedAt = &now
		sub.SubmittedBy = &actor.ID
		sub.ReviewStatus = models.ReviewPending
		sub.ReviewComment = ""
		sub.ReviewedAt = nil
		sub.ReviewedBy = nil
		m.Status = models.MilestoneInProgress

		if err := tx.Milestones().Update(m); err != nil {
			return err
		}
		if _, err := progress.Recompute(tx, job.ID); err != nil {
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventWorkSubmitted,
			RecipientID: job.EmployerID,
			JobID:       job.ID,
			MilestoneID: &m.ID,
			Title:       "Work Submitted",
			Message:     "Work has been submitted for milestone: " + m.Title,
			Data:        map[string]any{"files": len(sub.Files)},
		})
	})
	if err != nil {
		return nil, err
	}
	if unchanged {
		logger.Debug(ctx, "submission unchanged", "milestone_id", id.String())
	} else {
		logger.Info(ctx, "work submitted", "milestone_id", id.String(), "files", len(out.Submission.Files))
	}
	v := s.view(out)
	return &v, nil
}

type ReviewInput struct {
	Decision models.ReviewStatus `json:"status"`
	Comment  string              `json:"comment"`
}

// ReviewResult reports the review outcome and, for approvals, the escrow release.
// ReleaseError is set when the approval stood but the release did not go through.
type ReviewResult struct {
	Milestone    View            `json:"milestone"`
	Payment      *models.Payment `json:"payment,omitempty"`
	ReleaseError string          `json:"release_error,omitempty"`
}

// Review approves or rejects the current submission. Approval completes the
// milestone and commits first; the escrow release runs as a second unit and a
// failure there is recorded for reconciliation instead of undoing the approval.
func (s *Service) Review(ctx context.Context, actor models.Actor, id uuid.UUID, in ReviewInput) (*ReviewResult, error) {
	comment := strings.TrimSpace(in.Comment)
	switch in.Decision {
	case models.ReviewApproved:
	case models.ReviewRejected:
		if comment == "" {
			return nil, apperr.Validation(apperr.CodeMissingComment, "a comment is required when rejecting work")
		}
	default:
		return nil, apperr.Validation("", "review status must be approved or rejected").WithDetail("field", "status")
	}

	var (
		out *models.Milestone
		job uuid.UUID
	)
	err := s.locked(ctx, id, func(tx store.Tx, j *models.Job, subject policy.Subject, m *models.Milestone) error {
		if err := policy.CanPerform(actor, policy.OpReviewWork, subject); err != nil {
			return err
		}
		if !m.HasSubmission() {
			return apperr.Validation(apperr.CodeNoSubmission, "no submission found for this milestone")
		}
		job, out = j.ID, m
		sub := &m.Submission

		if in.Decision == models.ReviewApproved && sub.ReviewStatus == models.ReviewApproved {
			// already approved; fall through to the release retry below
			return nil
		}
		if sub.ReviewStatus != models.ReviewPending && sub.ReviewStatus != "" {
			return apperr.Conflict(apperr.CodeAlreadyReviewed, "submission was already "+string(sub.ReviewStatus))
		}

		now := s.run.Clock()
		sub.ReviewStatus = in.Decision
		sub.ReviewComment = comment
		sub.ReviewedAt = &now
		sub.ReviewedBy = &actor.ID

		event := notify.Event{JobID: j.ID, MilestoneID: &m.ID}
		if subject.Counterparty != nil {
			event.RecipientID = *subject.Counterparty
		}
		if in.Decision == models.ReviewApproved {
			m.Status = models.MilestoneCompleted
			m.CompletedAt = &now
			event.Type, event.Title = models.EventWorkApproved, "Work Approved"
			event.Message = "Your work has been approved for milestone: " + m.Title
		} else {
			m.Status = models.MilestoneInProgress
			event.Type, event.Title = models.EventWorkRejected, "Work Needs Changes"
			event.Message = "Changes requested for milestone: " + m.Title
			event.Data = map[string]any{"comment": comment}
		}

		if err := tx.Milestones().Update(m); err != nil {
			return err
		}
		if _, err := progress.Recompute(tx, j.ID); err != nil {
			return err
		}
		return notify.Enqueue(tx, event)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "work reviewed", "milestone_id", id.String(), "decision", string(in.Decision))

	res := &ReviewResult{Milestone: s.view(out)}
	if in.Decision != models.ReviewApproved || out.PaymentID == nil {
		return res, nil
	}
	payment, err := s.escrow.ReleaseMilestone(ctx, job, id)
	if err != nil {
		s.releaseFailed(ctx, job, out, err)
		res.ReleaseError = apperr.From(err).Message
		return res, nil
	}
	res.Payment = payment
	if payment != nil && payment.Status == models.PaymentReleased {
		out.EscrowStatus = models.EscrowReleased
		res.Milestone = s.view(out)
	}
	return res, nil
}

func (s *Service) releaseFailed(ctx context.Context, jobID uuid.UUID, m *models.Milestone, err error) {
	kind := models.IssueReleaseFailed
	if apperr.KindOf(err) == apperr.KindLedgerInconsistency {
		kind = models.IssueLedgerMismatch
	}
	logger.Error(ctx, "escrow release after approval failed", "job_id", jobID.String(),
		"milestone_id", m.ID.String(), "error", err)
	s.run.RecordIssue(ctx, models.ReconciliationIssue{
		Kind:        kind,
		JobID:       &jobID,
		MilestoneID: &m.ID,
		PaymentID:   m.PaymentID,
		Detail:      err.Error(),
	}, map[string]any{"code": apperr.From(err).Code, "retryable": apperr.Retryable(err)})
}

// RetryRelease re-drives the release of an approved milestone whose payment is
// still held.
func (s *Service) RetryRelease(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	if err := policy.CanPerform(actor, policy.OpReconcile, policy.Subject{}); err != nil {
		return nil, err
	}
	jobID, err := s.jobOf(ctx, id)
	if err != nil {
		return nil, err
	}
	payment, err := s.escrow.ReleaseMilestone(ctx, jobID, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.NotFound(apperr.CodePaymentNotFound, "milestone has no escrow payment")
	}
	logger.Info(ctx, "release retried", "milestone_id", id.String(), "payment_id", payment.ID.String())
	return payment, nil
}
