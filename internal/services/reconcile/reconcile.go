// Package reconcile compares a job's running balances and cached fields with the
// payment ledger and records what disagrees.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/policy"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Service struct {
	run *unit.Runner
}

func New(run *unit.Runner) *Service {
	return &Service{run: run}
}

type Report struct {
	JobID         uuid.UUID                    `json:"job_id"`
	EscrowBalance int64                        `json:"escrow_balance"`
	TotalPaid     int64                        `json:"total_paid"`
	Ledger        escrow.Totals                `json:"ledger"`
	Issues        []models.ReconciliationIssue `json:"issues"`
	Repaired      bool                         `json:"repaired"`
}

// escrowFor is the milestone escrow status a payment status implies.
var escrowFor = map[models.PaymentStatus]models.EscrowStatus{
	models.PaymentHeld:     models.EscrowFunded,
	models.PaymentReleased: models.EscrowReleased,
	models.PaymentRefunded: models.EscrowRefunded,
}

// ReconcileJob checks one job. With repair set, the ledger wins: balances, milestone
// escrow statuses and the cached freelancer are rewritten from it and the issues are
// recorded as already resolved.
func (s *Service) ReconcileJob(ctx context.Context, actor models.Actor, jobID uuid.UUID, repair bool) (*Report, error) {
	if err := policy.CanPerform(actor, policy.OpReconcile, policy.Subject{}); err != nil {
		return nil, err
	}
	ctx = logger.WithValue(ctx, logger.JobIDKey, jobID.String())

	var rep *Report
	err := s.run.Atomic(ctx, store.JobKey(jobID), func(tx store.Tx) error {
		job, err := agreement.LoadJob(tx, jobID)
		if err != nil {
			return err
		}
		payments, err := tx.Payments().List(store.PaymentFilter{JobID: &jobID})
		if err != nil {
			return err
		}
		totals := escrow.Derive(payments)
		rep = &Report{JobID: jobID, EscrowBalance: job.EscrowBalance, TotalPaid: job.TotalPaid, Ledger: totals, Repaired: repair}

		record := func(issue models.ReconciliationIssue, data map[string]any) error {
			issue.JobID = &jobID
			if data != nil {
				raw, err := json.Marshal(data)
				if err != nil {
					return err
				}
				issue.Data = raw
			}
			if repair {
				now := s.run.Clock()
				issue.Resolved, issue.ResolvedAt, issue.ResolvedBy = true, &now, &actor.ID
			}
			if err := tx.Issues().Create(&issue); err != nil {
				return err
			}
			rep.Issues = append(rep.Issues, issue)
			return nil
		}

		if totals.Held != job.EscrowBalance || totals.Released != job.TotalPaid {
			err := record(models.ReconciliationIssue{
				Kind:   models.IssueLedgerMismatch,
				Detail: fmt.Sprintf("balances escrow=%d paid=%d, ledger held=%d released=%d", job.EscrowBalance, job.TotalPaid, totals.Held, totals.Released),
			}, map[string]any{
				"escrow_balance": job.EscrowBalance, "total_paid": job.TotalPaid,
				"ledger_held": totals.Held, "ledger_released": totals.Released,
			})
			if err != nil {
				return err
			}
			if repair {
				if err := tx.Jobs().SetBalances(jobID, totals.Held, totals.Released); err != nil {
					return err
				}
			}
		}

		if err := s.checkMilestones(tx, payments, repair, record); err != nil {
			return err
		}
		return s.checkFreelancer(tx, job, repair, record)
	})
	if err != nil {
		return nil, err
	}
	if len(rep.Issues) > 0 {
		logger.Warn(ctx, "reconciliation found discrepancies", "issues", len(rep.Issues), "repaired", repair)
	} else {
		logger.Info(ctx, "reconciliation clean")
	}
	return rep, nil
}

func (s *Service) checkMilestones(tx store.Tx, payments []models.Payment, repair bool,
	record func(models.ReconciliationIssue, map[string]any) error) error {
	for i := range payments {
		p := &payments[i]
		want, ok := escrowFor[p.Status]
		if !ok || p.Type != models.PaymentTypeJob || p.MilestoneID == nil {
			continue
		}
		m, err := tx.Milestones().Get(*p.MilestoneID)
		if errors.Is(err, store.ErrNotFound) {
			err = record(models.ReconciliationIssue{
				Kind:      models.IssueLedgerMismatch,
				PaymentID: &p.ID,
				Detail:    "payment references a missing milestone",
			}, nil)
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if m.EscrowStatus == want && m.PaymentID != nil && *m.PaymentID == p.ID {
			continue
		}
		err = record(models.ReconciliationIssue{
			Kind:        models.IssueLedgerMismatch,
			MilestoneID: &m.ID,
			PaymentID:   &p.ID,
			Detail:      fmt.Sprintf("milestone escrow %s but payment %s", m.EscrowStatus, p.Status),
		}, map[string]any{"milestone_escrow": m.EscrowStatus, "payment_status": p.Status})
		if err != nil {
			return err
		}
		if repair {
			m.EscrowStatus, m.PaymentID = want, &p.ID
			if err := tx.Milestones().Update(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) checkFreelancer(tx store.Tx, job *models.Job, repair bool,
	record func(models.ReconciliationIssue, map[string]any) error) error {
	var accepted *uuid.UUID
	app, err := tx.Applications().FindAccepted(job.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		accepted = &app.FreelancerID
	}
	if sameOptional(job.FreelancerID, accepted) {
		return nil
	}
	err = record(models.ReconciliationIssue{
		Kind:   models.IssueFreelancerMismatch,
		Detail: fmt.Sprintf("cached freelancer %s, accepted application %s", idString(job.FreelancerID), idString(accepted)),
	}, nil)
	if err != nil || !repair {
		return err
	}
	job.FreelancerID = accepted
	return tx.Jobs().Update(job)
}

func sameOptional(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func idString(id *uuid.UUID) string {
	if id == nil {
		return "none"
	}
	return id.String()
}

// ListIssues returns recorded issues, newest first.
func (s *Service) ListIssues(ctx context.Context, actor models.Actor, f store.IssueFilter) ([]models.ReconciliationIssue, error) {
	if err := policy.CanPerform(actor, policy.OpReconcile, policy.Subject{}); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []models.ReconciliationIssue
	err := s.run.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Issues().List(f)
		return err
	})
	return out, err
}

// ResolveIssue marks an issue handled. Resolving twice keeps the first resolution.
func (s *Service) ResolveIssue(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ReconciliationIssue, error) {
	if err := policy.CanPerform(actor, policy.OpReconcile, policy.Subject{}); err != nil {
		return nil, err
	}
	var issue *models.ReconciliationIssue
	err := s.run.Atomic(ctx, store.IssueKey, func(tx store.Tx) error {
		var err error
		if issue, err = tx.Issues().Get(id); err != nil {
			return unit.NotFoundAs(err, apperr.CodeNotFound, "issue not found")
		}
		if issue.Resolved {
			return nil
		}
		now := s.run.Clock()
		issue.Resolved, issue.ResolvedAt, issue.ResolvedBy = true, &now, &actor.ID
		return tx.Issues().Update(issue)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "reconciliation issue resolved", "issue_id", id.String(), "kind", string(issue.Kind))
	return issue, nil
}
