package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-fleet/internal/fleet"
	"relay-fleet/internal/transport/httpdto"
)

// FleetService is the admin view of the orchestrator.
type FleetService interface {
	FleetSnapshot(ctx context.Context) (fleet.Snapshot, error)
	RequestProvision(ctx context.Context, reason string) error
	RequestDeprovision(ctx context.Context, serverID uint) error
	SetStreamState(ctx context.Context, state string) error
	SetAutoscaler(ctx context.Context, enabled bool) error
	AssignUser(ctx context.Context, userID uint) (fleet.Assignment, error)
	QueuePosition(ctx context.Context, userID uint) (int64, error)
}

type FleetHandler struct {
	service FleetService
}

func NewFleetHandler(service FleetService) *FleetHandler {
	return &FleetHandler{service: service}
}

func (h *FleetHandler) Snapshot(c *gin.Context) {
	snap, err := h.service.FleetSnapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(snap))
}

func (h *FleetHandler) Provision(c *gin.Context) {
	var req httpdto.ProvisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := h.service.RequestProvision(c.Request.Context(), req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(httpdto.AcceptedResponse{Accepted: true, Reason: req.Reason}))
}

func (h *FleetHandler) Deprovision(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.RequestDeprovision(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(httpdto.AcceptedResponse{Accepted: true, ServerID: id}))
}

func (h *FleetHandler) SetStreamState(c *gin.Context) {
	var req httpdto.StreamStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if err := h.service.SetStreamState(c.Request.Context(), req.State); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StreamStateResponse{State: req.State}))
}

func (h *FleetHandler) SetAutoscaler(c *gin.Context) {
	var req httpdto.AutoscalerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if err := h.service.SetAutoscaler(c.Request.Context(), *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.AutoscalerResponse{Enabled: *req.Enabled}))
}

func (h *FleetHandler) AssignUser(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.service.AssignUser(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(res))
}

func (h *FleetHandler) QueuePosition(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	pos, err := h.service.QueuePosition(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.QueuePositionResponse{UserID: userID, Queued: pos > 0, Position: pos}))
}
