package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/repository"
	"go.uber.org/zap"
)

type TemplateHandler struct {
	templateRepo TemplateStore
	channelRepo  ChannelStore
	logger       *zap.Logger
}

func NewTemplateHandler(templateRepo TemplateStore, channelRepo ChannelStore, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{templateRepo: templateRepo, channelRepo: channelRepo, logger: logger}
}

// CreateTemplate creates a template over channels the tenant has linked
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	var req models.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(req.ChannelIDs))
	channelIDs := make([]uuid.UUID, 0, len(req.ChannelIDs))
	for _, id := range req.ChannelIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ch, err := h.channelRepo.GetByID(c.Request.Context(), id)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && ch.TenantID != tenant) {
			ErrorResponse(c, http.StatusBadRequest, "Unknown channel "+id.String())
			return
		}
		if err != nil {
			h.logger.Error("failed to load channel", zap.Error(err))
			ErrorResponse(c, http.StatusInternalServerError, "Failed to create template")
			return
		}
		channelIDs = append(channelIDs, id)
	}

	t := &models.BroadcastTemplate{
		ID:          uuid.New(),
		TenantID:    tenant,
		Title:       req.Title,
		SceneConfig: req.SceneConfig,
		ChannelIDs:  channelIDs,
	}
	if err := h.templateRepo.Create(c.Request.Context(), t); err != nil {
		h.logger.Error("failed to create template", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to create template")
		return
	}

	c.JSON(http.StatusCreated, t)
}

func (h *TemplateHandler) GetTemplates(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	templates, err := h.templateRepo.ListByTenant(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []models.BroadcastTemplate{}
	}

	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	t, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteTemplate removes a template that is not live
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	t, ok := h.load(c)
	if !ok {
		return
	}
	if t.IsLive {
		ErrorResponse(c, http.StatusConflict, "Template is live")
		return
	}

	err := h.templateRepo.Delete(c.Request.Context(), t.TenantID, t.ID)
	if errors.Is(err, repository.ErrNotFound) {
		// went live or was deleted since load
		ErrorResponse(c, http.StatusConflict, "Template is live")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete template", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *TemplateHandler) load(c *gin.Context) (*models.BroadcastTemplate, bool) {
	tenant, ok := tenantID(c)
	if !ok {
		return nil, false
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return nil, false
	}

	t, err := h.templateRepo.GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && t.TenantID != tenant) {
		ErrorResponse(c, http.StatusNotFound, "Template not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load template", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to load template")
		return nil, false
	}
	return t, true
}
