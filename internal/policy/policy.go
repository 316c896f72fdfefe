// Package policy decides who may perform which operation on an agreement.
package policy

import (
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

type Operation string

const (
	OpCreateJob         Operation = "job.create"
	OpViewJob           Operation = "job.view"
	OpCloseJob          Operation = "job.close"
	OpCancelJob         Operation = "job.cancel"
	OpApply             Operation = "application.apply"
	OpListApplications  Operation = "application.list"
	OpDecideApplication Operation = "application.decide"
	OpWithdrawApp       Operation = "application.withdraw"
	OpCreateMilestone   Operation = "milestone.create"
	OpDeleteMilestone   Operation = "milestone.delete"
	OpStartMilestone    Operation = "milestone.start"
	OpCompleteMilestone Operation = "milestone.complete"
	OpSubmitWork        Operation = "milestone.submit"
	OpReviewWork        Operation = "milestone.review"
	OpFundEscrow        Operation = "escrow.fund"
	OpReleaseEscrow     Operation = "escrow.release"
	OpRefundEscrow      Operation = "escrow.refund"
	OpViewEscrow        Operation = "escrow.view"
	OpWithdraw          Operation = "payment.withdraw"
	OpReconcile         Operation = "admin.reconcile"
)

// Subject is the agreement an operation targets. Counterparty is the freelancer of
// the accepted application, nil while the job has none.
type Subject struct {
	EmployerID   uuid.UUID
	Counterparty *uuid.UUID
}

func (s Subject) isOwner(a models.Actor) bool {
	return a.Role == models.RoleEmployer && a.ID == s.EmployerID
}

func (s Subject) isCounterparty(a models.Actor) bool {
	return a.Role == models.RoleFreelancer && s.Counterparty != nil && *s.Counterparty == a.ID
}

var (
	errNotOwner       = apperr.Forbidden(apperr.CodeNotOwner, "only the job owner can perform this action")
	errNotAssigned    = apperr.Forbidden(apperr.CodeNotAssignedFreelancer, "only the assigned freelancer can perform this action")
	errNotParticipant = apperr.Forbidden("", "not a participant of this job")
)

// CanPerform returns nil when actor may perform op on subject, or an authorization
// error naming the missing relationship.
func CanPerform(actor models.Actor, op Operation, subject Subject) error {
	if actor.Role == "" {
		return apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "authentication required")
	}

	switch op {
	case OpCreateJob:
		return requireRole(actor, models.RoleEmployer)

	case OpApply, OpWithdraw:
		return requireRole(actor, models.RoleFreelancer)

	case OpWithdrawApp:
		// ownership of the application is checked by the caller
		return requireRole(actor, models.RoleFreelancer)

	case OpReconcile:
		return requireRole(actor, models.RoleAdmin)

	case OpCloseJob, OpCancelJob, OpDecideApplication, OpCreateMilestone,
		OpDeleteMilestone, OpCompleteMilestone, OpReviewWork, OpFundEscrow:
		if subject.isOwner(actor) {
			return nil
		}
		return errNotOwner

	case OpReleaseEscrow, OpRefundEscrow:
		if subject.isOwner(actor) || actor.Role == models.RoleAdmin {
			return nil
		}
		return errNotOwner

	case OpStartMilestone, OpSubmitWork:
		if subject.isCounterparty(actor) {
			return nil
		}
		return errNotAssigned

	case OpViewJob, OpViewEscrow:
		if subject.isOwner(actor) || subject.isCounterparty(actor) || actor.Role == models.RoleAdmin {
			return nil
		}
		return errNotParticipant

	case OpListApplications:
		// freelancers see only their own rows; filtering is the caller's job
		if subject.isOwner(actor) || actor.Role == models.RoleFreelancer || actor.Role == models.RoleAdmin {
			return nil
		}
		return errNotParticipant
	}
	return apperr.Forbidden("", "unknown operation "+string(op))
}

func requireRole(actor models.Actor, role models.Role) error {
	if actor.Role != role {
		return apperr.Forbidden("", "requires role "+string(role))
	}
	return nil
}
