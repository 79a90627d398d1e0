package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/services"
)

type QueueHandler struct {
	log           *logger.Logger
	exportService services.QueueExportService
}

func NewQueueHandler(log *logger.Logger, exportService services.QueueExportService) *QueueHandler {
	return &QueueHandler{
		log:           log.With("handler", "QueueHandler"),
		exportService: exportService,
	}
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// Export serves the queue in both formats; ?format=text switches to the
// line-oriented rendering, everything else gets JSON.
func (h *QueueHandler) Export(c *gin.Context) {
	since, err := parseTimeParam(c, "since")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_since", err)
		return
	}
	until, err := parseTimeParam(c, "until")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_until", err)
		return
	}
	export, err := h.exportService.Export(c.Request.Context(), c.Query("status"), since, until)
	if err != nil {
		h.log.Error("Queue export failed", "error", err)
		RespondError(c, statusFor(err), "export_failed", err)
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, export.Text())
		return
	}
	RespondOK(c, export)
}
