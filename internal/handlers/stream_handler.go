package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tullo/simulcast/internal/broadcast"
	"github.com/tullo/simulcast/internal/models"
	"go.uber.org/zap"
)

type StreamHandler struct {
	broadcaster Broadcaster
	feed        CommentFeed
	logger      *zap.Logger
}

func NewStreamHandler(broadcaster Broadcaster, feed CommentFeed, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{broadcaster: broadcaster, feed: feed, logger: logger}
}

// GoLive starts every destination of a template
func (h *StreamHandler) GoLive(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	templateID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	session, err := h.broadcaster.GoLive(c.Request.Context(), tenant, templateID)
	if err != nil {
		var allFailed *broadcast.AllDestinationsFailedError
		switch {
		case errors.Is(err, broadcast.ErrTemplateNotFound):
			ErrorResponse(c, http.StatusNotFound, "Template not found")
		case errors.Is(err, broadcast.ErrAlreadyLive):
			ErrorResponse(c, http.StatusConflict, "Template is already live")
		case errors.Is(err, broadcast.ErrSessionEnded):
			ErrorResponse(c, http.StatusConflict, "Session was stopped while starting")
		case errors.Is(err, broadcast.ErrNoDestinations):
			ErrorResponse(c, http.StatusUnprocessableEntity, "Template has no linked channels")
		case errors.As(err, &allFailed):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":           "All destinations failed to start",
				"reauth_required": allFailed.ReauthRequired(),
				"failures":        allFailed.Failures,
			})
		default:
			h.logger.Error("go-live failed", zap.String("template_id", templateID.String()), zap.Error(err))
			ErrorResponse(c, http.StatusInternalServerError, "Failed to go live")
		}
		return
	}

	c.JSON(http.StatusCreated, models.GoLiveResponse{SessionID: session.ID, Session: session})
}

// StopEgress ends a session of the template. Repeated calls succeed.
func (h *StreamHandler) StopEgress(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	templateID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.StopEgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.broadcaster.Session(c.Request.Context(), tenant, req.SessionID)
	if errors.Is(err, broadcast.ErrSessionNotFound) || (err == nil && session.TemplateID != templateID) {
		ErrorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load session", zap.String("session_id", req.SessionID.String()), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to stop session")
		return
	}

	if err := h.broadcaster.StopEgress(c.Request.Context(), tenant, req.SessionID); err != nil {
		if errors.Is(err, broadcast.ErrSessionNotFound) {
			ErrorResponse(c, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error("stop-egress failed", zap.String("session_id", req.SessionID.String()), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to stop session")
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSession returns a session with the state of every destination
func (h *StreamHandler) GetSession(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	sessionID, ok := uuidParam(c, "sessionId")
	if !ok {
		return
	}

	session, err := h.broadcaster.Session(c.Request.Context(), tenant, sessionID)
	if errors.Is(err, broadcast.ErrSessionNotFound) {
		ErrorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load session", zap.String("session_id", sessionID.String()), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to load session")
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetComments returns a page of the session's comment feed
func (h *StreamHandler) GetComments(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	sessionID, ok := uuidParam(c, "sessionId")
	if !ok {
		return
	}

	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			ErrorResponse(c, http.StatusBadRequest, "Invalid cursor")
			return
		}
		cursor = &v
	}

	page, err := h.feed.GetComments(c.Request.Context(), tenant, sessionID, cursor)
	if errors.Is(err, broadcast.ErrSessionNotFound) {
		ErrorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load comments", zap.String("session_id", sessionID.String()), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to load comments")
		return
	}

	c.JSON(http.StatusOK, page)
}
