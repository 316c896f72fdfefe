package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
)

type PaymentHandler struct {
	Escrow *escrow.Service
}

func NewPaymentHandler(svc *escrow.Service) *PaymentHandler {
	return &PaymentHandler{Escrow: svc}
}

func (h *PaymentHandler) FundEscrow(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req escrow.FundInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	payment, m, err := h.Escrow.Fund(c.UserContext(), a, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "Escrow funded", fiber.Map{"payment": payment, "milestone": m})
}

func (h *PaymentHandler) Release(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "paymentId")
	if err != nil {
		return err
	}
	payment, err := h.Escrow.Release(c.UserContext(), a, id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Payment released", fiber.Map{"payment": payment})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "paymentId")
	if err != nil {
		return err
	}
	var req refundRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}
	payment, err := h.Escrow.Refund(c.UserContext(), a, id, req.Reason)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Payment refunded", fiber.Map{"payment": payment})
}

func (h *PaymentHandler) Withdraw(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req escrow.WithdrawInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	payment, err := h.Escrow.Withdraw(c.UserContext(), a, req)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "Withdrawal requested", fiber.Map{"payment": payment})
}

func (h *PaymentHandler) Earnings(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	e, err := h.Escrow.Earnings(c.UserContext(), a, c.Query("currency"))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", e)
}

func (h *PaymentHandler) History(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	payments, err := h.Escrow.History(c.UserContext(), a, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", payments)
}

func (h *PaymentHandler) EscrowBalance(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	jobID, err := paramUUID(c, "jobId")
	if err != nil {
		return err
	}
	b, err := h.Escrow.Balance(c.UserContext(), a, jobID)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", b)
}
