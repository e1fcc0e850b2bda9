package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	"github.com/agencyenterprise/fathom-mcp-server/internal/http/handler"
	httpmiddleware "github.com/agencyenterprise/fathom-mcp-server/internal/http/middleware"
	"github.com/agencyenterprise/fathom-mcp-server/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, mcpHandler *handler.MCPHandler, authMiddleware *httpmiddleware.Auth, oauthLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	oauth := r.Group("/oauth")
	{
		if oauthLimiter != nil {
			oauth.Use(oauthLimiter.Handler())
		}
		oauth.POST("/register", oauthHandler.Register)
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.GET("/fathom/callback", oauthHandler.Callback)
		oauth.POST("/token", oauthHandler.Token)
	}

	r.GET("/.well-known/oauth-protected-resource", oauthHandler.ProtectedResourceMetadata)
	r.GET("/.well-known/oauth-authorization-server", oauthHandler.AuthorizationServerMetadata)
	r.GET("/health", oauthHandler.Health)

	mcp := r.Group("/mcp", authMiddleware.RequireBearer)
	{
		mcp.POST("", mcpHandler.Handle)
		mcp.GET("", mcpHandler.Handle)
		mcp.DELETE("", mcpHandler.Handle)
	}

	return r
}
