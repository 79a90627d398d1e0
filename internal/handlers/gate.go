package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/services"
)

type GateHandler struct {
	log         *logger.Logger
	gateService services.GateService
}

func NewGateHandler(log *logger.Logger, gateService services.GateService) *GateHandler {
	return &GateHandler{
		log:         log.With("handler", "GateHandler"),
		gateService: gateService,
	}
}

func (h *GateHandler) Active(c *gin.Context) {
	cfg, err := h.gateService.Active(c.Request.Context(), c.Param("stage"))
	if err != nil {
		RespondError(c, statusFor(err), "load_gate_config_failed", err)
		return
	}
	RespondOK(c, gin.H{"config": cfg})
}

func (h *GateHandler) History(c *gin.Context) {
	configs, err := h.gateService.History(c.Request.Context(), c.Param("stage"))
	if err != nil {
		h.log.Error("Gate history failed", "error", err, "stage", c.Param("stage"))
		RespondError(c, statusFor(err), "load_gate_history_failed", err)
		return
	}
	RespondOK(c, gin.H{"configs": configs})
}

func (h *GateHandler) Snapshot(c *gin.Context) {
	var input services.GateConfigInput
	if err := c.ShouldBindJSON(&input); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	cfg, err := h.gateService.Snapshot(c.Request.Context(), input)
	if err != nil {
		h.log.Error("Gate snapshot failed", "error", err, "stage", input.Stage)
		RespondError(c, statusFor(err), "snapshot_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}
