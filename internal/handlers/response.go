package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/middleware"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

func respond(c *fiber.Ctx, status int, message string, data interface{}) error {
	body := fiber.Map{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	return c.Status(status).JSON(body)
}

// ErrorHandler renders every error returned by a handler or middleware as
// {"success": false, "code", "message", "details"}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"success": false,
			"code":    codeForStatus(fe.Code),
			"message": fe.Message,
		})
	}

	e := apperr.From(err)
	status := e.HTTPStatus()
	message := e.Message
	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindLedgerInconsistency {
		logger.Error(c.UserContext(), "request error", "code", e.Code, "error", err)
	}
	if e.Kind == apperr.KindInternal {
		message = "internal server error"
	}
	body := fiber.Map{"success": false, "code": e.Code, "message": message}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return c.Status(status).JSON(body)
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return apperr.CodeValidation
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthenticated
	case fiber.StatusForbidden:
		return apperr.CodeForbidden
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return apperr.CodeNotFound
	case fiber.StatusConflict:
		return apperr.CodeConflict
	}
	return apperr.CodeInternal
}

func actor(c *fiber.Ctx) (models.Actor, error) {
	return middleware.ActorFrom(c)
}

func getUserUUID(c *fiber.Ctx) (uuid.UUID, error) {
	a, err := actor(c)
	if err != nil {
		return uuid.Nil, err
	}
	return a.ID, nil
}

func paramUUID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("", "invalid "+name).WithDetail("field", name)
	}
	return id, nil
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return apperr.Validation("", "invalid request body")
	}
	return nil
}
