package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cloudsentry/api/internal/auth"
	"github.com/cloudsentry/api/pkg/response"
)

// Identity headers set by a ForwardAuth gateway in front of the service
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// GatewayAuthMiddleware trusts the identity headers of an upstream gateway. It serves both
// the REST routes and the WebSocket handshake, since the gateway authenticates both.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := &auth.Principal{
			UserID: c.Get(HeaderUserID),
			Email:  c.Get(HeaderUserEmail),
			Name:   c.Get(HeaderUserName),
		}
		if principal.UserID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setPrincipal(c, principal)
		return c.Next()
	}
}
