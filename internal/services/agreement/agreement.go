// Package agreement owns jobs and applications: who the employer is, and which
// single freelancer the accepted application binds to the job.
package agreement

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/notify"
	"github.com/Windi-Fikriyansyah/escrowd/internal/policy"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Service struct {
	run             *unit.Runner
	defaultCurrency string
}

func New(run *unit.Runner, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Service{run: run, defaultCurrency: strings.ToUpper(defaultCurrency)}
}

// LoadJob reads a job inside a unit, reporting JOB_NOT_FOUND when it is missing.
func LoadJob(tx store.Tx, id uuid.UUID) (*models.Job, error) {
	job, err := tx.Jobs().Get(id)
	if err != nil {
		return nil, unit.NotFoundAs(err, apperr.CodeJobNotFound, "job not found")
	}
	return job, nil
}

// Counterparty resolves the freelancer of the job's accepted application, or nil
// when there is none. The cached Job.FreelancerID is repaired if it disagrees.
func Counterparty(ctx context.Context, tx store.Tx, job *models.Job) (*uuid.UUID, error) {
	app, err := tx.Applications().FindAccepted(job.ID)
	if errors.Is(err, store.ErrNotFound) {
		if job.FreelancerID != nil {
			logger.Warn(ctx, "job caches a freelancer without an accepted application",
				"job_id", job.ID.String(), "cached_freelancer_id", job.FreelancerID.String())
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id := app.FreelancerID
	if job.FreelancerID == nil || *job.FreelancerID != id {
		cached := "none"
		if job.FreelancerID != nil {
			cached = job.FreelancerID.String()
		}
		logger.Warn(ctx, "cached job freelancer disagrees with accepted application, repairing",
			"job_id", job.ID.String(), "cached_freelancer_id", cached, "freelancer_id", id.String())
		job.FreelancerID = &id
		if err := tx.Jobs().Update(job); err != nil {
			return nil, err
		}
	}
	return &id, nil
}

// Subject builds the policy subject for job, resolving the counterparty.
func Subject(ctx context.Context, tx store.Tx, job *models.Job) (policy.Subject, error) {
	cp, err := Counterparty(ctx, tx, job)
	if err != nil {
		return policy.Subject{}, err
	}
	return policy.Subject{EmployerID: job.EmployerID, Counterparty: cp}, nil
}

// ReadSubject is Subject for read-only units: the cached freelancer is ignored but
// never repaired.
func ReadSubject(tx store.Tx, job *models.Job) (policy.Subject, error) {
	subject := policy.Subject{EmployerID: job.EmployerID}
	app, err := tx.Applications().FindAccepted(job.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return subject, err
	default:
		subject.Counterparty = &app.FreelancerID
	}
	return subject, nil
}

type CreateJobInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
}

func (s *Service) CreateJob(ctx context.Context, actor models.Actor, in CreateJobInput) (*models.Job, error) {
	if err := policy.CanPerform(actor, policy.OpCreateJob, policy.Subject{}); err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, apperr.Validation("", "title is required").WithDetail("field", "title")
	}
	if !models.TitleFits(in.Title) {
		return nil, apperr.Validation("", "title is too long").WithDetail("field", "title").WithDetail("max_length", models.MaxTitleLen)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if !models.ValidCurrency(currency) {
		return nil, apperr.Validation("", "currency must be a 3-letter code").WithDetail("field", "currency")
	}

	job := &models.Job{
		ID:          uuid.New(),
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		EmployerID:  actor.ID,
		Status:      models.JobStatusOpen,
		Currency:    currency,
	}
	err := s.run.Atomic(ctx, store.JobKey(job.ID), func(tx store.Tx) error {
		return tx.Jobs().Create(job)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "job created", "job_id", job.ID.String(), "employer_id", actor.ID.String())
	return job, nil
}

// JobView is a job together with its resolved counterparty.
type JobView struct {
	Job          *models.Job `json:"job"`
	FreelancerID *uuid.UUID  `json:"freelancer_id"`
}

func (s *Service) GetJob(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*JobView, error) {
	var view JobView
	err := s.run.View(ctx, func(tx store.Tx) error {
		job, err := LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := ReadSubject(tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpViewJob, subject); err != nil {
			return err
		}
		view = JobView{Job: job, FreelancerID: subject.Counterparty}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ResolveCounterparty returns the accepted freelancer for jobID, NO_ACCEPTED_APPLICATION
// when none exists.
func (s *Service) ResolveCounterparty(ctx context.Context, actor models.Actor, jobID uuid.UUID) (uuid.UUID, error) {
	var out uuid.UUID
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		subject, err := Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpViewJob, subject); err != nil {
			return err
		}
		if subject.Counterparty == nil {
			return apperr.NotFound(apperr.CodeNoAcceptedApplication, "job has no accepted application")
		}
		out = *subject.Counterparty
		return nil
	})
	return out, err
}

type ApplyInput struct {
	CoverLetter  string `json:"cover_letter"`
	ExpectedRate int64  `json:"expected_rate"`
	Currency     string `json:"currency"`
}

func (s *Service) Apply(ctx context.Context, actor models.Actor, jobID uuid.UUID, in ApplyInput) (*models.Application, error) {
	if err := policy.CanPerform(actor, policy.OpApply, policy.Subject{}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CoverLetter) == "" {
		return nil, apperr.Validation("", "cover letter is required").WithDetail("field", "cover_letter")
	}
	if in.ExpectedRate <= 0 {
		return nil, apperr.Validation("", "expected rate must be greater than zero").WithDetail("field", "expected_rate")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency != "" && !models.ValidCurrency(currency) {
		return nil, apperr.Validation("", "currency must be a 3-letter code").WithDetail("field", "currency")
	}

	var app *models.Application
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusOpen {
			return apperr.Conflict(apperr.CodeJobNotActive, "job is no longer accepting applications")
		}
		if currency == "" {
			currency = job.Currency
		}
		if currency != job.Currency {
			return apperr.Validation("", "expected rate currency must match the job currency "+job.Currency).
				WithDetail("field", "currency")
		}
		app = &models.Application{
			ID:               uuid.New(),
			JobID:            jobID,
			FreelancerID:     actor.ID,
			Status:           models.ApplicationPending,
			CoverLetter:      strings.TrimSpace(in.CoverLetter),
			ExpectedRate:     in.ExpectedRate,
			ExpectedCurrency: currency,
		}
		if err := tx.Applications().Create(app); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict(apperr.CodeAlreadyApplied, "you have already applied for this job")
			}
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventApplicationReceived,
			RecipientID: job.EmployerID,
			JobID:       job.ID,
			Title:       "New Application",
			Message:     "A freelancer applied for: " + job.Title,
			Data:        map[string]any{"application_id": app.ID.String()},
		})
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ListApplications returns every application to the owner and only their own to a
// freelancer.
func (s *Service) ListApplications(ctx context.Context, actor models.Actor, jobID uuid.UUID) ([]models.Application, error) {
	var out []models.Application
	err := s.run.View(ctx, func(tx store.Tx) error {
		job, err := LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpListApplications, policy.Subject{EmployerID: job.EmployerID}); err != nil {
			return err
		}
		apps, err := tx.Applications().ListByJob(jobID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleFreelancer {
			out = apps
			return nil
		}
		for _, a := range apps {
			if a.FreelancerID == actor.ID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// loadApplication reads an application and checks it belongs to jobID.
func loadApplication(tx store.Tx, jobID, appID uuid.UUID) (*models.Application, error) {
	app, err := tx.Applications().Get(appID)
	if err != nil {
		return nil, unit.NotFoundAs(err, apperr.CodeApplicationNotFound, "application not found")
	}
	if jobID != uuid.Nil && app.JobID != jobID {
		return nil, apperr.NotFound(apperr.CodeApplicationNotFound, "application not found")
	}
	return app, nil
}

// AcceptApplication binds the applicant to the job. The check for an existing
// accepted application and the write happen under the job lock.
func (s *Service) AcceptApplication(ctx context.Context, actor models.Actor, jobID, appID uuid.UUID) (*models.Application, *models.Job, error) {
	var (
		app *models.Application
		job *models.Job
	)
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		var err error
		if job, err = LoadJob(tx, jobID); err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpDecideApplication, policy.Subject{EmployerID: job.EmployerID}); err != nil {
			return err
		}
		if app, err = loadApplication(tx, jobID, appID); err != nil {
			return err
		}

		existing, err := tx.Applications().FindAccepted(jobID)
		switch {
		case err == nil:
			return apperr.Conflict(apperr.CodeAlreadyAccepted, "job already has an accepted application").
				WithDetail("application_id", existing.ID.String())
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if app.Status != models.ApplicationPending {
			return apperr.InvalidTransition(string(app.Status), string(models.ApplicationAccepted), string(actor.Role))
		}
		if job.Status != models.JobStatusOpen {
			return apperr.Conflict(apperr.CodeJobNotActive, "job is not open")
		}

		now := s.run.Clock()
		app.Status = models.ApplicationAccepted
		app.AcceptedAt = &now
		if err := tx.Applications().Update(app); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict(apperr.CodeAlreadyAccepted, "job already has an accepted application")
			}
			return err
		}

		job.Status = models.JobStatusInProgress
		job.FreelancerID = &app.FreelancerID
		if err := tx.Jobs().Update(job); err != nil {
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventApplicationAccepted,
			RecipientID: app.FreelancerID,
			JobID:       job.ID,
			Title:       "Application Accepted",
			Message:     "Your application for " + job.Title + " has been accepted",
			Data:        map[string]any{"application_id": app.ID.String()},
		})
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "application accepted", "job_id", jobID.String(), "application_id", appID.String(),
		"freelancer_id", app.FreelancerID.String())
	return app, job, nil
}

func (s *Service) RejectApplication(ctx context.Context, actor models.Actor, jobID, appID uuid.UUID) (*models.Application, error) {
	var app *models.Application
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpDecideApplication, policy.Subject{EmployerID: job.EmployerID}); err != nil {
			return err
		}
		if app, err = loadApplication(tx, jobID, appID); err != nil {
			return err
		}
		if app.Status != models.ApplicationPending {
			return apperr.InvalidTransition(string(app.Status), string(models.ApplicationRejected), string(actor.Role))
		}
		app.Status = models.ApplicationRejected
		if err := tx.Applications().Update(app); err != nil {
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventApplicationRejected,
			RecipientID: app.FreelancerID,
			JobID:       job.ID,
			Title:       "Application Declined",
			Message:     "Your application for " + job.Title + " was not accepted",
		})
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// WithdrawApplication lets a freelancer pull their own pending application.
func (s *Service) WithdrawApplication(ctx context.Context, actor models.Actor, appID uuid.UUID) (*models.Application, error) {
	if err := policy.CanPerform(actor, policy.OpWithdrawApp, policy.Subject{}); err != nil {
		return nil, err
	}
	var jobID uuid.UUID
	err := s.run.View(ctx, func(tx store.Tx) error {
		app, err := loadApplication(tx, uuid.Nil, appID)
		if err != nil {
			return err
		}
		jobID = app.JobID
		return nil
	})
	if err != nil {
		return nil, err
	}

	var app *models.Application
	err = s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		var err error
		if app, err = loadApplication(tx, jobID, appID); err != nil {
			return err
		}
		if app.FreelancerID != actor.ID {
			return apperr.NotFound(apperr.CodeApplicationNotFound, "application not found")
		}
		if app.Status != models.ApplicationPending {
			return apperr.InvalidTransition(string(app.Status), string(models.ApplicationWithdrawn), string(actor.Role))
		}
		app.Status = models.ApplicationWithdrawn
		return tx.Applications().Update(app)
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// CloseJob records the employer's closing review and closes the job. Every
// milestone must be completed and no escrow may still be held.
func (s *Service) CloseJob(ctx context.Context, actor models.Actor, jobID uuid.UUID, rating int, comment string) (*models.Job, *models.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, nil, apperr.Validation("", "rating must be between 1 and 5").WithDetail("field", "rating")
	}

	var (
		job    *models.Job
		review *models.Review
	)
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		var err error
		if job, err = LoadJob(tx, jobID); err != nil {
			return err
		}
		subject, err := Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpCloseJob, subject); err != nil {
			return err
		}
		if subject.Counterparty == nil {
			return apperr.NotFound(apperr.CodeNoAcceptedApplication, "job has no accepted application")
		}
		if job.Status != models.JobStatusInProgress && job.Status != models.JobStatusCompleted {
			return apperr.InvalidTransition(string(job.Status), string(models.JobStatusClosed), string(actor.Role))
		}

		milestones, err := tx.Milestones().ListByJob(jobID)
		if err != nil {
			return err
		}
		open := 0
		for _, m := range milestones {
			if m.Status != models.MilestoneCompleted {
				open++
			}
		}
		if open > 0 {
			return apperr.Conflict("", "all milestones must be completed before closing").WithDetail("open_milestones", open)
		}
		if job.EscrowBalance != 0 {
			return apperr.Conflict("", "escrow is still held for this job").WithDetail("escrow_balance", job.EscrowBalance)
		}

		review = &models.Review{
			ID:         uuid.New(),
			JobID:      jobID,
			ReviewerID: actor.ID,
			RevieweeID: *subject.Counterparty,
			Rating:     rating,
			Comment:    strings.TrimSpace(comment),
		}
		if err := tx.Reviews().Create(review); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict(apperr.CodeAlreadyReviewed, "job already reviewed")
			}
			return err
		}

		now := s.run.Clock()
		job.Status = models.JobStatusClosed
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		if err := tx.Jobs().Update(job); err != nil {
			return err
		}
		return notify.Enqueue(tx, notify.Event{
			Type:        models.EventProjectClosed,
			RecipientID: *subject.Counterparty,
			JobID:       job.ID,
			Title:       "Project Completed",
			Message:     job.Title + " has been completed and closed",
		}, notify.Event{
			Type:        models.EventReviewReceived,
			RecipientID: *subject.Counterparty,
			JobID:       job.ID,
			Title:       "New Review",
			Message:     "You received a review for " + job.Title,
			Data:        map[string]any{"review_id": review.ID.String(), "rating": rating},
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return job, review, nil
}

// CancelJob is only possible while nothing is held in escrow.
func (s *Service) CancelJob(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*models.Job, error) {
	var job *models.Job
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		var err error
		if job, err = LoadJob(tx, jobID); err != nil {
			return err
		}
		subject, err := Subject(ctx, tx, job)
		if err != nil {
			return err
		}
		if err := policy.CanPerform(actor, policy.OpCancelJob, subject); err != nil {
			return err
		}
		if !job.Status.Active() {
			return apperr.InvalidTransition(string(job.Status), string(models.JobStatusCancelled), string(actor.Role))
		}
		if job.EscrowBalance != 0 {
			return apperr.Conflict("", "refund held escrow before cancelling").WithDetail("escrow_balance", job.EscrowBalance)
		}
		job.Status = models.JobStatusCancelled
		return tx.Jobs().Update(job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
