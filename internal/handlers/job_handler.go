package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
)

type JobHandler struct {
	Agreements *agreement.Service
}

func NewJobHandler(svc *agreement.Service) *JobHandler {
	return &JobHandler{Agreements: svc}
}

func (h *JobHandler) Create(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req agreement.CreateJobInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	job, err := h.Agreements.CreateJob(c.UserContext(), a, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "Job created", job)
}

func (h *JobHandler) Get(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.Agreements.GetJob(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", view)
}

func (h *JobHandler) Counterparty(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	freelancerID, err := h.Agreements.ResolveCounterparty(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", fiber.Map{"job_id": id, "freelancer_id": freelancerID})
}

type closeJobRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *JobHandler) Close(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req closeJobRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	job, review, err := h.Agreements.CloseJob(c.UserContext(), a, id, req.Rating, req.Comment)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Job closed", fiber.Map{"job": job, "review": review})
}

func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	job, err := h.Agreements.CancelJob(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Job cancelled", job)
}

func (h *JobHandler) Apply(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req agreement.ApplyInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	app, err := h.Agreements.Apply(c.UserContext(), a, id, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "Application submitted", app)
}

func (h *JobHandler) ListApplications(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	apps, err := h.Agreements.ListApplications(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", apps)
}

type applicationStatusRequest struct {
	Status string `json:"status"`
}

// DecideApplication accepts or rejects an application.
func (h *JobHandler) DecideApplication(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	jobID, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	appID, err := paramUUID(c, "applicationId")
	if err != nil {
		return err
	}
	var req applicationStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "accepted":
		app, job, err := h.Agreements.AcceptApplication(c.UserContext(), a, jobID, appID)
		if err != nil {
			return err
		}
		return respond(c, fiber.StatusOK, "Application accepted", fiber.Map{"application": app, "job": job})
	case "rejected":
		app, err := h.Agreements.RejectApplication(c.UserContext(), a, jobID, appID)
		if err != nil {
			return err
		}
		return respond(c, fiber.StatusOK, "Application rejected", fiber.Map{"application": app})
	}
	return apperr.Validation("", "status must be accepted or rejected").WithDetail("field", "status")
}

func (h *JobHandler) WithdrawApplication(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	app, err := h.Agreements.WithdrawApplication(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Application withdrawn", app)
}
