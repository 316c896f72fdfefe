package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/milestone"
)

type MilestoneHandler struct {
	Milestones *milestone.Service
}

func NewMilestoneHandler(svc *milestone.Service) *MilestoneHandler {
	return &MilestoneHandler{Milestones: svc}
}

func (h *MilestoneHandler) ListByJob(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	jobID, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	list, err := h.Milestones.List(c.UserContext(), a, jobID)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", list)
}

func (h *MilestoneHandler) Create(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req milestone.CreateInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	m, err := h.Milestones.Create(c.UserContext(), a, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "Milestone created", m)
}

func (h *MilestoneHandler) Get(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.Milestones.Get(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", m)
}

type milestoneStatusRequest struct {
	Status models.MilestoneStatus `json:"status"`
}

func (h *MilestoneHandler) UpdateStatus(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req milestoneStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	m, err := h.Milestones.UpdateStatus(c.UserContext(), a, id, req.Status)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Milestone updated", m)
}

func (h *MilestoneHandler) Delete(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.Milestones.Delete(c.UserContext(), a, id); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Milestone deleted successfully", nil)
}

func (h *MilestoneHandler) Submit(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req milestone.SubmitInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	m, err := h.Milestones.Submit(c.UserContext(), a, id, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Work submitted", m)
}

func (h *MilestoneHandler) Review(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req milestone.ReviewInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.Milestones.Review(c.UserContext(), a, id, req)
	if err != nil {
		return err
	}
	msg := "Submission " + string(req.Decision)
	if res.ReleaseError != "" {
		msg += "; payment release is pending reconciliation"
	}
	return respond(c, fiber.StatusOK, msg, res)
}
