package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chorus/realtime/config"
	"chorus/realtime/middleware"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

const writeWait = 10 * time.Second

var errSocketClosed = errors.New("socket closed")

// WebSocketHandler upgrades /ws requests, authenticates them and runs the
// socket's read and write loops.
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	hub        *services.Hub
	dispatcher *Dispatcher
	config     *config.Config
	logger     *utils.Logger
}

func NewWebSocketHandler(hub *services.Hub, dispatcher *Dispatcher, cfg *config.Config, logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the web app origin; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:        hub,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger.With("component", "websocket"),
	}
}

// HandleConnection serves GET /ws. The credential comes from the
// Authorization header, the token query parameter, or an authenticate
// command sent as the first frame.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	token := middleware.ExtractToken(c.Request)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("Failed to upgrade connection", "remote_addr", c.ClientIP(), "error", err)
		return
	}
	ws.SetReadLimit(h.config.MaxFrameBytes)

	ctx := h.hub.Context()
	requestID := ""
	if token == "" {
		token, requestID = h.awaitAuthenticate(ws)
	}

	profile, err := h.hub.Authenticate(ctx, token)
	if err != nil {
		h.reject(ws, requestID, services.AsError(err))
		return
	}

	sender := newSocketSender(ws, h.config.SendBuffer, h.config.PingInterval, h.logger)
	go sender.writePump()
	go func() {
		select {
		case <-ctx.Done():
			sender.Close(websocket.CloseGoingAway, "server shutting down")
		case <-sender.done:
		}
	}()

	conn := h.hub.Connect(ctx, *profile, sender)
	if requestID != "" {
		h.dispatcher.reply(conn, requestID, result{"user_id": conn.UserID, "socket_id": conn.SocketID}, nil)
	}

	h.readPump(ctx, ws, conn)

	h.hub.Disconnect(context.Background(), conn)
	sender.Close(websocket.CloseNormalClosure, "")
}

// awaitAuthenticate waits up to the auth timeout for an authenticate command.
func (h *WebSocketHandler) awaitAuthenticate(ws *websocket.Conn) (token, requestID string) {
	_ = ws.SetReadDeadline(time.Now().Add(h.config.AuthTimeout))
	defer ws.SetReadDeadline(time.Time{})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", ""
	}
	var cmd Command
	if json.Unmarshal(raw, &cmd) != nil || cmd.Command != "authenticate" {
		return "", cmd.RequestID
	}
	var data struct {
		Token string `json:"token"`
	}
	if bind(cmd.Data, &data) != nil {
		return "", cmd.RequestID
	}
	return data.Token, cmd.RequestID
}

// reject writes auth_error and closes with CloseAuthFailed.
func (h *WebSocketHandler) reject(ws *websocket.Conn, requestID string, authErr *services.Error) {
	defer ws.Close()

	h.logger.Info("Rejected websocket", "code", authErr.Code, "remote_addr", ws.RemoteAddr().String())

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(Frame{Event: eventAuthError, RequestID: requestID, Data: authErr}); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(CloseAuthFailed, authErr.Code)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *WebSocketHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *services.Connection) {
	_ = ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	ws.SetPongHandler(func(string) error {
		if _, err := h.hub.Presence.TransportAlive(ctx, conn); err != nil {
			h.logger.Warn("Failed to refresh presence on pong", "socket_id", conn.SocketID, "error", err)
		}
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		messageType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("Websocket read error", "socket_id", conn.SocketID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.Dispatch(ctx, conn, raw)
	}
}

// socketSender is the services.Sender for one gorilla connection. Frames are
// queued on a bounded channel drained by writePump; a full queue is reported
// as backpressure instead of blocking the caller.
type socketSender struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	ping   time.Duration
	logger *utils.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newSocketSender(ws *websocket.Conn, buffer int, ping time.Duration, logger *utils.Logger) *socketSender {
	return &socketSender{
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		ping:   ping,
		logger: logger,
	}
}

func (s *socketSender) Send(event string, payload interface{}) error {
	frames, err := encodeFrames(event, payload)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		select {
		case <-s.done:
			return errSocketClosed
		default:
		}
		select {
		case s.send <- frame:
		default:
			return services.ErrBackpressure
		}
	}
	return nil
}

func (s *socketSender) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

func (s *socketSender) writePump() {
	ticker := time.NewTicker(s.ping)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("Websocket write failed", "error", err)
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			s.flush()
			if s.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
				_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (s *socketSender) flush() {
	for {
		select {
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if s.ws.WriteMessage(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}
