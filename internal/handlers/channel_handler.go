package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/auth"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/repository"
	"go.uber.org/zap"
)

type ChannelHandler struct {
	channelRepo ChannelStore
	registry    *provider.Registry
	sealer      auth.Sealer
	logger      *zap.Logger
}

func NewChannelHandler(channelRepo ChannelStore, registry *provider.Registry, sealer auth.Sealer, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{channelRepo: channelRepo, registry: registry, sealer: sealer, logger: logger}
}

// OAuthURL returns the provider consent URL. The client keeps the state and
// compares it on the redirect.
func (h *ChannelHandler) OAuthURL(c *gin.Context) {
	if _, ok := tenantID(c); !ok {
		return
	}

	p := models.ProviderType(c.Query("provider"))
	oauth, err := h.registry.OAuth(p)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	state := uuid.NewString()
	u, err := oauth.AuthCodeURL(state)
	if err != nil {
		h.logger.Error("failed to build oauth url", zap.String("provider", string(p)), zap.Error(err))
		ErrorResponse(c, http.StatusServiceUnavailable, string(p)+" sign-in is not configured")
		return
	}
	c.JSON(http.StatusOK, models.OAuthURLResponse{URL: u, State: state})
}

// CreateChannel verifies a credential with its provider and links it
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	var req models.CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	adapter, err := h.registry.Get(req.Provider)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	secret := []byte(req.Credential)
	switch {
	case req.Code != "":
		oauth, err := h.registry.OAuth(req.Provider)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		secret, err = oauth.Exchange(ctx, req.Code)
		if err != nil {
			h.providerError(c, req.Provider, "exchange", err)
			return
		}
	case req.Credential == "":
		ErrorResponse(c, http.StatusBadRequest, "credential or code is required")
		return
	}

	identity, err := adapter.Identify(ctx, secret)
	if err != nil {
		h.providerError(c, req.Provider, "identify", err)
		return
	}

	sealed, err := h.sealer.Seal(secret)
	if err != nil {
		h.logger.Error("failed to seal credential", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to store channel")
		return
	}

	ch := &models.ChannelCredential{
		ID:         uuid.New(),
		TenantID:   tenant,
		Provider:   req.Provider,
		Credential: sealed,
		Title:      identity.Title,
	}
	if req.Title != nil && *req.Title != "" {
		ch.Title = *req.Title
	}
	if identity.ExternalID != "" {
		ch.ExternalID = &identity.ExternalID
	}
	if identity.IngestURL != "" {
		ch.IngestURL = &identity.IngestURL
	}

	if err := h.channelRepo.Create(ctx, ch); err != nil {
		h.logger.Error("failed to create channel", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to store channel")
		return
	}

	c.JSON(http.StatusCreated, ch)
}

func (h *ChannelHandler) GetChannels(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	channels, err := h.channelRepo.ListByTenant(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("failed to list channels", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list channels")
		return
	}
	if channels == nil {
		channels = []models.ChannelCredential{}
	}

	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// DeleteChannel unlinks a channel. Templates referencing it skip it on the
// next go-live.
func (h *ChannelHandler) DeleteChannel(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	err := h.channelRepo.Delete(c.Request.Context(), tenant, id)
	if errors.Is(err, repository.ErrNotFound) {
		ErrorResponse(c, http.StatusNotFound, "Channel not found")
		return
	}
	if errors.Is(err, repository.ErrInUse) {
		ErrorResponse(c, http.StatusConflict, "Channel is used by a live broadcast")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete channel", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to delete channel")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ChannelHandler) providerError(c *gin.Context, p models.ProviderType, op string, err error) {
	switch {
	case provider.IsAuth(err):
		ErrorResponse(c, http.StatusUnprocessableEntity, "Credential rejected by "+string(p))
	case provider.IsUnavailable(err):
		ErrorResponse(c, http.StatusBadGateway, string(p)+" is unavailable")
	default:
		h.logger.Error("provider call failed", zap.String("provider", string(p)), zap.String("operation", op), zap.Error(err))
		ErrorResponse(c, http.StatusBadGateway, "Failed to verify credential")
	}
}
