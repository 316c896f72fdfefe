package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/milestone"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/reconcile"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type AdminHandler struct {
	Reconcile  *reconcile.Service
	Milestones *milestone.Service
}

func NewAdminHandler(rec *reconcile.Service, ms *milestone.Service) *AdminHandler {
	return &AdminHandler{Reconcile: rec, Milestones: ms}
}

func (h *AdminHandler) ListIssues(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	f := store.IssueFilter{Kind: models.IssueKind(c.Query("kind")), Limit: c.QueryInt("limit", 100)}
	if raw := c.Query("job_id"); raw != "" {
		id, err := uuidQuery(raw, "job_id")
		if err != nil {
			return err
		}
		f.JobID = &id
	}
	switch c.Query("resolved") {
	case "true":
		v := true
		f.Resolved = &v
	case "false":
		v := false
		f.Resolved = &v
	}
	issues, err := h.Reconcile.ListIssues(c.UserContext(), a, f)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", issues)
}

func (h *AdminHandler) ReconcileJob(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	rep, err := h.Reconcile.ReconcileJob(c.UserContext(), a, id, c.QueryBool("repair", false))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Reconciliation complete", rep)
}

func (h *AdminHandler) ResolveIssue(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	issue, err := h.Reconcile.ResolveIssue(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Issue resolved", issue)
}

func (h *AdminHandler) RetryRelease(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	payment, err := h.Milestones.RetryRelease(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Payment released", fiber.Map{"payment": payment})
}

func uuidQuery(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("", "invalid "+name).WithDetail("field", name)
	}
	return id, nil
}
