package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/cloudsentry/api/internal/websocket"
)

type WebSocketHandler struct {
	hub *ws.Hub
}

func NewWebSocketHandler(hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// RequireUpgrade rejects plain HTTP requests on WebSocket routes
func (h *WebSocketHandler) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Inspections handles GET /ws/inspections. The handshake is authenticated before the
// upgrade, so every served connection has a principal.
func (h *WebSocketHandler) Inspections() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userId").(string)
		h.hub.Serve(c, userID)
	})
}

// Register mounts the WebSocket routes on app. upgradeAuth runs before the upgrade and
// must leave the user id in the request locals.
func (h *WebSocketHandler) Register(app *fiber.App, upgradeAuth fiber.Handler) {
	app.Use("/ws", h.RequireUpgrade)
	app.Get("/ws/inspections", upgradeAuth, h.Inspections())
}
