package handlers

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coder1/termmux/internal/logger"
	"github.com/coder1/termmux/internal/models"
	"github.com/coder1/termmux/internal/services"
)

// PTYHandler terminates one duplex WebSocket per client and multiplexes any
// number of terminal sessions over it. It only translates between wire frames
// and registry calls; session state lives in the registry.
type PTYHandler struct {
	registry *services.Registry
	log      zerolog.Logger
}

// NewPTYHandler creates a new PTY multiplexer handler.
func NewPTYHandler(registry *services.Registry) *PTYHandler {
	return &PTYHandler{
		registry: registry,
		log:      logger.Component("pty"),
	}
}

// RegisterRoutes registers all PTY-related routes.
func (h *PTYHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/pty", h.HandleWebSocket)
}

// HandleWebSocket handles WebSocket connections for PTY multiplexing
// @Summary Open PTY multiplexer WebSocket
// @Description Establishes a WebSocket connection carrying JSON frames for any number of terminal sessions
// @Tags pty
// @Success 101 {string} string "Switching Protocols"
// @Router /v1/pty [get]
func (h *PTYHandler) HandleWebSocket(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(h.handleConnection)(c)
	}
	return fiber.ErrUpgradeRequired
}

// client is one live transport connection. send serializes all outbound
// frames for the connection, which keeps per-session byte order: each
// session's output is produced by a single goroutine and pushed through this
// one chokepoint.
type client struct {
	id   string
	send func(models.Frame) error
}

// sink adapts a client into the registry's delivery callback. Send failures
// are not fatal here; a dead connection is detached when its read loop exits.
func (cl *client) sink() services.Sink {
	return func(frame models.Frame) {
		_ = cl.send(frame)
	}
}

func (h *PTYHandler) handleConnection(conn *websocket.Conn) {
	connID := uuid.NewString()

	var writeMu sync.Mutex
	cl := &client{
		id: connID,
		send: func(frame models.Frame) error {
			data, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, data)
		},
	}

	h.log.Info().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("conn_id", connID).Interface("panic", r).Msg("recovered in connection handler")
		}
		// Sessions survive the disconnect as detached until the grace period
		// runs out; teardown never waits on an adapter.
		h.registry.Detach(connID)
		_ = conn.Close()
		h.log.Info().Str("conn_id", connID).Msg("connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug().Str("conn_id", connID).Err(err).Msg("websocket read ended")
			return
		}
		h.dispatchRaw(cl, data)
	}
}

// dispatchRaw parses one inbound message and routes it. A corrupt frame is
// answered with a malformed error reply; the connection stays open.
func (h *PTYHandler) dispatchRaw(cl *client, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = cl.send(models.Frame{
			Type:   models.FrameError,
			Reason: models.ReasonMalformed,
			Detail: "invalid frame encoding",
		})
		return
	}
	h.dispatch(cl, frame)
}

func (h *PTYHandler) dispatch(cl *client, frame models.Frame) {
	switch frame.Type {
	case models.FrameCreate:
		h.handleCreate(cl, frame)
	case models.FrameInput:
		h.handleInput(cl, frame)
	case models.FrameResize:
		h.handleResize(cl, frame)
	case models.FrameClose:
		h.handleClose(cl, frame)
	case models.FrameReattach:
		h.handleReattach(cl, frame)
	default:
		_ = cl.send(models.Frame{
			Type:   models.FrameError,
			Reason: models.ReasonMalformed,
			Detail: "unknown frame type",
		})
	}
}

func (h *PTYHandler) handleCreate(cl *client, frame models.Frame) {
	// The created frame is emitted by the registry through the sink so it
	// always precedes the session's first output frame.
	if _, err := h.registry.Create(cl.id, frame.Cols, frame.Rows, cl.sink()); err != nil {
		_ = cl.send(models.Frame{
			Type:   models.FrameError,
			Reason: models.ReasonSpawnFailed,
			Detail: err.Error(),
		})
	}
}

func (h *PTYHandler) handleInput(cl *client, frame models.Frame) {
	if frame.SessionID == "" {
		h.sendMalformed(cl, "input frame requires sessionId")
		return
	}
	err := h.registry.RouteInput(cl.id, frame.SessionID, frame.Data)
	h.sendRouteError(cl, frame.SessionID, err)
}

func (h *PTYHandler) handleResize(cl *client, frame models.Frame) {
	if frame.SessionID == "" || frame.Cols == 0 || frame.Rows == 0 {
		h.sendMalformed(cl, "resize frame requires sessionId and non-zero cols/rows")
		return
	}
	err := h.registry.RouteResize(cl.id, frame.SessionID, frame.Cols, frame.Rows)
	h.sendRouteError(cl, frame.SessionID, err)
}

func (h *PTYHandler) handleClose(cl *client, frame models.Frame) {
	if frame.SessionID == "" {
		h.sendMalformed(cl, "close frame requires sessionId")
		return
	}
	h.registry.Close(frame.SessionID)
	// Always acknowledged, closing twice or closing an unknown id included.
	_ = cl.send(models.Frame{Type: models.FrameClosed, SessionID: frame.SessionID})
}

func (h *PTYHandler) handleReattach(cl *client, frame models.Frame) {
	if frame.SessionID == "" {
		h.sendMalformed(cl, "reattach frame requires sessionId")
		return
	}
	// On success any buffered output is replayed through the sink before new
	// output flows; on failure the client must create a fresh session.
	err := h.registry.Reattach(cl.id, frame.SessionID, cl.sink())
	h.sendRouteError(cl, frame.SessionID, err)
}

func (h *PTYHandler) sendMalformed(cl *client, detail string) {
	_ = cl.send(models.Frame{
		Type:   models.FrameError,
		Reason: models.ReasonMalformed,
		Detail: detail,
	})
}

// sendRouteError converts registry errors into protocol error frames. The
// client can always tell "session is gone, create a new one" (not_found)
// apart from other failures.
func (h *PTYHandler) sendRouteError(cl *client, sessionID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, services.ErrNotFound):
		_ = cl.send(models.Frame{
			Type:      models.FrameError,
			SessionID: sessionID,
			Reason:    models.ReasonNotFound,
		})
	case errors.Is(err, services.ErrClosed):
		_ = cl.send(models.Frame{
			Type:      models.FrameError,
			SessionID: sessionID,
			Reason:    models.ReasonClosedAlready,
		})
	default:
		_ = cl.send(models.Frame{
			Type:      models.FrameError,
			SessionID: sessionID,
			Reason:    models.ReasonClosedAlready,
			Detail:    err.Error(),
		})
	}
}
