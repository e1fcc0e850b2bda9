package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/adapter/cache"
	httpmiddleware "github.com/agencyenterprise/fathom-mcp-server/internal/http/middleware"
	"github.com/agencyenterprise/fathom-mcp-server/internal/session"
)

const sessionHeader = "Mcp-Session-Id"

// MCPHandler routes protocol traffic to per-session transports. Routing
// consults only the in-memory session map; a session id that survived a
// restart in the database is still treated as unknown.
type MCPHandler struct {
	Sessions *session.Manager
	Limiter  *cache.UserRateLimiter
	Logger   *zap.Logger
}

// NewMCPHandler creates the handler.
func NewMCPHandler(sessions *session.Manager, limiter *cache.UserRateLimiter, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{Sessions: sessions, Limiter: limiter, Logger: logger}
}

// Handle serves POST, GET, and DELETE on the protocol endpoint.
func (h *MCPHandler) Handle(c *gin.Context) {
	userID, ok := httpmiddleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
		return
	}

	allowed, err := h.Limiter.Allow(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Warn("rate limiter unavailable", zap.Error(err))
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "error_description": "Too many requests. Please slow down."})
		return
	}

	sessionID := c.GetHeader(sessionHeader)
	if sessionID == "" {
		h.initialize(c, userID)
		return
	}

	transport, ownerID, ok := h.Sessions.RetrieveSession(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "error_description": "Unknown or expired session. Re-initialize to continue."})
		return
	}
	if ownerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "Session belongs to a different user."})
		return
	}

	if c.Request.Method == http.MethodDelete {
		if err := h.Sessions.TerminateSession(c.Request.Context(), sessionID); err != nil {
			h.Logger.Error("session termination failed", zap.String("session_id", sessionID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to terminate session."})
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	transport.ServeHTTP(c.Writer, c.Request)
}

// initialize builds a fresh transport for a request carrying no session
// header. Only POST may open a session; the initialize response carries
// the new id back in the session header.
func (h *MCPHandler) initialize(c *gin.Context, userID string) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Mcp-Session-Id header required."})
		return
	}

	transport, err := h.Sessions.CreateSession(userID)
	if err != nil {
		h.Logger.Error("session creation failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to create session."})
		return
	}

	transport.ServeHTTP(c.Writer, c.Request)
}
