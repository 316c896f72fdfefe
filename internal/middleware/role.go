package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

// RequireRoles rejects callers whose role is not listed. Ownership rules are left to
// the services.
func RequireRoles(allowed ...models.Role) fiber.Handler {
	allowedSet := map[models.Role]bool{}
	for _, r := range allowed {
		allowedSet[r] = true
	}

	return func(c *fiber.Ctx) error {
		actor, err := ActorFrom(c)
		if err != nil {
			return err
		}
		if !allowedSet[actor.Role] {
			return apperr.Forbidden("", "forbidden: insufficient role")
		}
		return c.Next()
	}
}
