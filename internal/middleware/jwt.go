package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/utils"
)

const (
	TokenCookie = "jm_token"
	actorLocal  = "actor"
)

var errUnauthenticated = apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "authentication required")

// tokenFrom reads the bearer header, then the session cookie, then the token query
// parameter that browser websocket clients use.
func tokenFrom(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if t := c.Cookies(TokenCookie); t != "" {
		return t
	}
	return c.Query("token")
}

// JWTAuth verifies the caller's token and stores the actor in Locals ("actor",
// "userId", "role") and in the request context for logging.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := utils.ParseJWT(secret, tokenFrom(c))
		if err != nil {
			return errUnauthenticated
		}
		uid, err := uuid.Parse(strings.TrimSpace(claims.UserID))
		if err != nil {
			return errUnauthenticated
		}
		role, ok := models.ParseRole(claims.Role)
		if !ok {
			return errUnauthenticated.WithDetail("role", claims.Role)
		}

		actor := models.Actor{ID: uid, Role: role}
		c.Locals("user", claims)
		c.Locals("userId", uid.String())
		c.Locals("role", string(role))
		c.Locals(actorLocal, actor)
		c.SetUserContext(logger.WithValue(c.UserContext(), logger.ActorIDKey, uid.String()))
		return c.Next()
	}
}

// ActorFrom returns the actor JWTAuth attached to the request.
func ActorFrom(c *fiber.Ctx) (models.Actor, error) {
	actor, ok := c.Locals(actorLocal).(models.Actor)
	if !ok || actor.ID == uuid.Nil {
		return models.Actor{}, errUnauthenticated
	}
	return actor, nil
}
