package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
)

// RequestLogger copies the request id into the request context and logs each
// request once it has been handled. It expects the requestid middleware to run first.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			c.SetUserContext(logger.WithValue(c.UserContext(), logger.RequestIDKey, rid))
		}

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = apperr.From(err).HTTPStatus()
			}
		}
		args := []any{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		}
		ctx := c.UserContext()
		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error(ctx, "request failed", append(args, "error", err)...)
		case status >= fiber.StatusBadRequest:
			logger.Warn(ctx, "request rejected", args...)
		default:
			logger.Info(ctx, "request handled", args...)
		}
		return err
	}
}
