package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/types"
)

// Dispatcher receives decoded inbound events. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, env types.Envelope)
	Disconnected(conn *Connection)
}

// HandlerConfig holds the heartbeat and frame settings.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultHandlerConfig pings every 30s and drops peers silent for 60s.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 128 * 1024,
	}
}

// Handler upgrades HTTP requests and runs the read pump of each connection.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, dispatcher Dispatcher, config HandlerConfig, l *zap.Logger) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}

	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.OrNop(l).Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows every origin unless an allow-list is configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades /ws?subject_id=... requests.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		http.Error(w, "Missing required query parameter: subject_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidSubjectID(subjectID) {
		http.Error(w, "Invalid subject_id format", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, subjectID)
	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error("failed to register connection", append(logger.Session("", subjectID), zap.Error(err))...)
		_ = wsConn.Close()
		return
	}

	h.logger.Info("connection opened",
		append(logger.Session("", subjectID), zap.String("connection", wsConn.ID()))...)

	go h.handleConnection(wsConn)
}

// handleConnection runs the heartbeat and the read pump until the peer goes away.
// Events from one connection are dispatched in order, one at a time.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnected(conn)
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Info("connection closed",
			append(logger.Session("", conn.SubjectID()), zap.String("connection", conn.ID()))...)
	}()

	if h.config.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageSize)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = conn.WriteJSON(types.NewEnvelope(types.EventError, types.ErrorPayload{
				Message: "malformed event: expected {\"event\": name, \"data\": {...}}",
				Code:    string(types.KindValidation),
			}))
			continue
		}

		h.logger.Debug("event received",
			append(logger.Session("", conn.SubjectID()), zap.String(logger.FieldEvent, env.Event))...)
		// Not tied to the connection: a reply in flight still lands in the
		// transcript if the peer drops.
		h.dispatcher.Dispatch(context.Background(), conn, env)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
