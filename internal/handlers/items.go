package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/services"
)

type ItemHandler struct {
	log            *logger.Logger
	contentService services.ContentService
}

func NewItemHandler(log *logger.Logger, contentService services.ContentService) *ItemHandler {
	return &ItemHandler{
		log:            log.With("handler", "ItemHandler"),
		contentService: contentService,
	}
}

func (h *ItemHandler) CreateBatch(c *gin.Context) {
	var input services.CreateBatchInput
	if err := c.ShouldBindJSON(&input); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	items, err := h.contentService.CreateBatch(c.Request.Context(), input)
	if err != nil {
		h.log.Error("CreateBatch failed", "error", err, "theme", input.Theme)
		RespondError(c, statusFor(err), "create_batch_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": items})
}

func (h *ItemHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	item, err := h.contentService.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, statusFor(err), "load_item_failed", err)
		return
	}
	RespondOK(c, gin.H{"item": item})
}

func (h *ItemHandler) History(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	history, err := h.contentService.History(c.Request.Context(), id)
	if err != nil {
		h.log.Error("History failed", "error", err, "item_id", id)
		RespondError(c, statusFor(err), "load_history_failed", err)
		return
	}
	RespondOK(c, history)
}

func (h *ItemHandler) ListByStage(c *gin.Context) {
	stage := c.Param("stage")
	items, err := h.contentService.ListByStage(c.Request.Context(), stage)
	if err != nil {
		h.log.Error("ListByStage failed", "error", err, "stage", stage)
		RespondError(c, statusFor(err), "list_items_failed", err)
		return
	}
	RespondOK(c, gin.H{"items": items})
}

func (h *ItemHandler) Requeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	var body struct {
		Stage string `json:"stage"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	item, err := h.contentService.Requeue(c.Request.Context(), id, body.Stage)
	if err != nil {
		h.log.Error("Requeue failed", "error", err, "item_id", id, "stage", body.Stage)
		RespondError(c, statusFor(err), "requeue_failed", err)
		return
	}
	RespondOK(c, gin.H{"item": item})
}
