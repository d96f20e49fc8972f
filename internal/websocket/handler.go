package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tullo/simulcast/internal/auth"
	"github.com/tullo/simulcast/internal/broadcast"
	"github.com/tullo/simulcast/internal/models"
	"go.uber.org/zap"
)

// SessionLookup resolves a session of a tenant.
type SessionLookup interface {
	Session(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.BroadcastSession, error)
}

// Handler handles WebSocket connections
type Handler struct {
	hub        *Hub
	jwtService *auth.JWTService
	sessions   SessionLookup
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a new WebSocket handler. With no allowed origins every
// origin is accepted.
func NewHandler(hub *Hub, jwtService *auth.JWTService, sessions SessionLookup, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:        hub,
		jwtService: jwtService,
		sessions:   sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.With(zap.String("feature", "comment-feed")),
	}
}

// HandleWebSocket subscribes to the live comments of a session. Browsers
// cannot set headers on the upgrade request, so the token is a query
// parameter.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	// Get token from query parameter
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	// Validate token
	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	session, err := h.sessions.Session(c.Request.Context(), claims.TenantID, sessionID)
	if errors.Is(err, broadcast.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load session", zap.String("session_id", sessionID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}
	if session.Ended() {
		c.JSON(http.StatusGone, gin.H{"error": "Session has ended"})
		return
	}

	// Upgrade connection
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, sessionID, claims.TenantID, h.logger.With(zap.String("session_id", sessionID.String())))
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Start client pumps
	go client.WritePump()
	go client.ReadPump()
}

func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, pattern := range allowedOrigins {
			if matchOrigin(pattern, origin) {
				return true
			}
		}
		return false
	}
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		// strip scheme from origin if present
		// e.g., https://sub.example.com -> sub.example.com
		originHost := origin
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			originHost = u.Hostname()
		}
		return strings.HasSuffix(originHost, pattern[1:])
	}
	return false
}
