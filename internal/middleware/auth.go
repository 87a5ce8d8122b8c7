package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudsentry/api/internal/auth"
	"github.com/cloudsentry/api/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the bearer token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		principal, err := m.authenticator.Authenticate(tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrAuthNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setPrincipal(c, principal)
		return c.Next()
	}
}

// AuthenticateUpgrade authenticates a WebSocket handshake. Browsers cannot set headers
// on the upgrade request, so the token may also come from the "token" query parameter.
// A rejected handshake never reaches the upgrader.
func (m *AuthMiddleware) AuthenticateUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Query("token")
		if tokenString == "" {
			if bearer, ok := BearerToken(c.Get("Authorization")); ok {
				tokenString = bearer
			}
		}

		principal, err := m.authenticator.Authenticate(tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setPrincipal(c, principal)
		return c.Next()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setPrincipal(c *fiber.Ctx, principal *auth.Principal) {
	c.Locals("userId", principal.UserID)
	c.Locals("email", principal.Email)
	c.Locals("name", principal.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
