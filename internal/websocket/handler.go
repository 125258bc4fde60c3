package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay-fleet/internal/auth"
	"relay-fleet/internal/transport/httpdto"
	"relay-fleet/pkg/logger"
)

type TokenParser interface {
	Parse(token string) (auth.AdminClaims, error)
}

type Handler struct {
	tokens   TokenParser
	hub      *Hub
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func NewHandler(tokens TokenParser, hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		tokens: tokens,
		hub:    hub,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect authenticates with ?token= since browsers cannot set headers on a
// websocket handshake.
func (h *Handler) Connect(c *gin.Context) {
	claims, err := h.tokens.Parse(c.Query("token"))
	if err != nil {
		status, body := httpdto.NewErrorFrom(err)
		c.JSON(status, body)
		return
	}
	patterns, err := ParseChannels(c.Query("channels"))
	if err != nil {
		status, body := httpdto.NewErrorFrom(err)
		c.JSON(status, body)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithContext(c.Request.Context()).Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, claims.Subject, patterns)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := h.log.With(
		zap.String("component", "websocket"),
		zap.String("client_id", client.ID),
		zap.String("subject", claims.Subject),
	)
	log.Infof("dashboard connected, channels %v", patterns)

	h.hub.Register(client)
	go client.WriteLoop(ctx)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	h.hub.Unregister(client)
	log.Infof("dashboard disconnected")
}
