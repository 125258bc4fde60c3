package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay-fleet/internal/domain/viewer"
	"relay-fleet/internal/middleware"
	"relay-fleet/internal/transport/httpdto"
	relay_errors "relay-fleet/pkg/errors"
)

// SessionService is what media servers may call on the orchestrator.
type SessionService interface {
	Heartbeat(ctx context.Context, serverID uint, viewerCount *int) error
	OpenSession(ctx context.Context, serverID, userID uint) (viewer.Session, error)
	TouchSession(ctx context.Context, serverID, sessionID uint) error
	CloseSession(ctx context.Context, serverID, sessionID uint) error
}

type ServerHandler struct {
	service SessionService
}

func NewServerHandler(service SessionService) *ServerHandler {
	return &ServerHandler{service: service}
}

func (h *ServerHandler) Heartbeat(c *gin.Context) {
	srv, ok := middleware.ServerFromContext(c)
	if !ok {
		fail(c, relay_errors.ErrUnauthorized)
		return
	}
	var req httpdto.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
	}
	if req.ViewerCount != nil && *req.ViewerCount < 0 {
		badRequest(c, "viewer_count must not be negative")
		return
	}
	if err := h.service.Heartbeat(c.Request.Context(), srv.ID, req.ViewerCount); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.HeartbeatResponse{ServerID: srv.ID, Status: string(srv.Status)}))
}

func (h *ServerHandler) OpenSession(c *gin.Context) {
	srv, ok := middleware.ServerFromContext(c)
	if !ok {
		fail(c, relay_errors.ErrUnauthorized)
		return
	}
	var req httpdto.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	sess, err := h.service.OpenSession(c.Request.Context(), srv.ID, req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.SessionResponse{
		ID:       sess.ID,
		UserID:   sess.UserID,
		ServerID: sess.ServerID,
		Started:  sess.StartedAt.UTC().Format(time.RFC3339),
	}))
}

func (h *ServerHandler) TouchSession(c *gin.Context) {
	h.sessionAction(c, h.service.TouchSession)
}

func (h *ServerHandler) CloseSession(c *gin.Context) {
	h.sessionAction(c, h.service.CloseSession)
}

func (h *ServerHandler) sessionAction(c *gin.Context, fn func(ctx context.Context, serverID, sessionID uint) error) {
	srv, ok := middleware.ServerFromContext(c)
	if !ok {
		fail(c, relay_errors.ErrUnauthorized)
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), srv.ID, id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
