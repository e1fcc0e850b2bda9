package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	oauthsvc "github.com/agencyenterprise/fathom-mcp-server/internal/service/oauth"
)

const userIDKey = "userID"

// Auth validates the Authorization header against issued access tokens
// and attaches the owning user id.
type Auth struct {
	Broker oauthsvc.Broker
	Cfg    config.Config
	Logger *zap.Logger
}

// RequireBearer rejects requests without a valid bearer token. The 401
// carries the protected-resource metadata URL so MCP clients can
// discover the authorization server.
func (m *Auth) RequireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		m.unauthorized(c, "Authorization header required.")
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		m.unauthorized(c, "Bearer token required.")
		return
	}

	token, err := m.Broker.Authenticate(c.Request.Context(), parts[1])
	if err != nil {
		m.unauthorized(c, "Invalid or expired access token.")
		return
	}

	c.Set(userIDKey, token.UserID)
	c.Next()
}

func (m *Auth) unauthorized(c *gin.Context, description string) {
	metadataURL := strings.TrimRight(m.Cfg.BaseURL, "/") + "/.well-known/oauth-protected-resource"
	c.Header("WWW-Authenticate", `Bearer resource_metadata="`+metadataURL+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "invalid_token",
		"error_description": description,
	})
}

// GetUserID returns the authenticated user for the request.
func GetUserID(c *gin.Context) (string, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
