package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/platform/middleware"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// FrameHandler consumes the inbound frames of a connection. HandleFrame is
// called sequentially per connection, in receipt order. HandleDisconnect is
// called once, before the client leaves the hub.
type FrameHandler interface {
	HandleFrame(ctx context.Context, client *Client, frame Frame)
	HandleDisconnect(ctx context.Context, client *Client)
}

// TokenVerifier checks a handshake token and returns its subject.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// HandlerConfig tunes the connection lifecycle.
type HandlerConfig struct {
	// IdleTimeout drops a connection that sent nothing, not even a pong,
	// for this long.
	IdleTimeout    time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub      *Hub
	frames   FrameHandler
	verifier TokenVerifier
	cfg      HandlerConfig
	upgrader gorillawebsocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a handler bound to hub that hands inbound frames to frames.
func NewHandler(hub *Hub, frames FrameHandler, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	h := &Handler{
		hub:    hub,
		frames: frames,
		cfg:    cfg,
		log:    logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithVerifier requires a valid token on every upgrade.
func (h *Handler) WithVerifier(v TokenVerifier) *Handler {
	h.verifier = v
	return h
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	var subject string
	if h.verifier != nil {
		sub, err := h.verifier.Verify(handshakeToken(c.Request()))
		if err != nil {
			h.log.Debug().Err(err).Str("remote", c.RealIP()).Msg("handshake rejected")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		subject = sub
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), ws, h.cfg.SendBuffer)
	client.Subject = subject
	c.Set(middleware.ConnIDKey, client.ID)
	h.hub.Register(client)
	h.log.Debug().Str("conn_id", client.ID).Str("remote", c.RealIP()).Msg("connection opened")

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// readPump reads frames until the connection fails or goes idle, then runs
// the disconnect path.
func (h *Handler) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.frames.HandleDisconnect(context.Background(), client)
		h.hub.Unregister(client)
		_ = client.conn.Close()
		h.log.Debug().Str("conn_id", client.ID).Msg("connection closed")
	}()

	if ws, ok := client.conn.(*gorillawebsocket.Conn); ok {
		ws.SetReadLimit(maxMessageSize)
	}
	extend := func() { _ = client.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout)) }
	extend()
	client.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn_id", client.ID).Msg("read failed")
			}
			return
		}
		extend()

		frame, err := Decode(message)
		if err != nil {
			h.log.Debug().Err(err).Str("conn_id", client.ID).Msg("malformed frame dropped")
			continue
		}
		h.frames.HandleFrame(ctx, client, frame)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.IdleTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
