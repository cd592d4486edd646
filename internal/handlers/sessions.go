package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/coder1/termmux/internal/services"
)

// SessionsHandler exposes read-only session stats plus a REST close, mirroring
// the idempotent close semantics of the wire protocol.
type SessionsHandler struct {
	registry *services.Registry
}

// CloseSessionResponse confirms a REST close request.
// @Description Response confirming session closure
type CloseSessionResponse struct {
	Message   string `json:"message" example:"session closed"`
	SessionID string `json:"session_id" example:"7f9c2ba4-e88f-4a1c-9908-1ca9a0b6d2f1"`
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(registry *services.Registry) *SessionsHandler {
	return &SessionsHandler{registry: registry}
}

// RegisterRoutes registers all session API routes.
func (h *SessionsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:id", h.GetSession)
	v1.Delete("/sessions/:id", h.CloseSession)
}

// ListSessions returns all visible sessions
// @Summary List sessions
// @Description Returns every active and detached session with timing details
// @Tags sessions
// @Produce json
// @Success 200 {array} models.SessionInfo
// @Router /v1/sessions [get]
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

// GetSession returns one session by id
// @Summary Get session
// @Description Returns a single session by id
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.SessionInfo
// @Failure 404 {object} fiber.Map
// @Router /v1/sessions/{id} [get]
func (h *SessionsHandler) GetSession(c *fiber.Ctx) error {
	info, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.JSON(info)
}

// CloseSession closes a session by id
// @Summary Close session
// @Description Closes a session; closing an unknown or already-closed id is a no-op
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} CloseSessionResponse
// @Router /v1/sessions/{id} [delete]
func (h *SessionsHandler) CloseSession(c *fiber.Ctx) error {
	id := c.Params("id")
	h.registry.Close(id)
	return c.JSON(CloseSessionResponse{
		Message:   "session closed",
		SessionID: id,
	})
}
