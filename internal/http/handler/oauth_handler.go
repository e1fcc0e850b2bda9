package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	oauthadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	oauthsvc "github.com/agencyenterprise/fathom-mcp-server/internal/service/oauth"
)

// OAuthHandler serves the downstream OAuth surface: registration,
// authorization, the upstream callback, and token exchange.
type OAuthHandler struct {
	Registry oauthsvc.ClientRegistry
	Broker   oauthsvc.Broker
	Cfg      config.Config
	Logger   *zap.Logger
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(registry oauthsvc.ClientRegistry, broker oauthsvc.Broker, cfg config.Config, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{Registry: registry, Broker: broker, Cfg: cfg, Logger: logger}
}

// Register handles open dynamic client registration.
func (h *OAuthHandler) Register(c *gin.Context) {
	var req struct {
		RedirectURIs []string `json:"redirect_uris" binding:"required"`
		ClientName   string   `json:"client_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata", "error_description": "redirect_uris is required."})
		return
	}

	out, err := h.Registry.Register(c.Request.Context(), oauthsvc.RegisterClientInput{
		RedirectURIs: req.RedirectURIs,
		ClientName:   req.ClientName,
	})
	if err != nil {
		if errors.Is(err, domainoauth.ErrRedirectMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_uri", "error_description": err.Error()})
			return
		}
		h.respondServerError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"client_id":                  out.ClientID,
		"client_id_issued_at":        out.IssuedAt.Unix(),
		"client_name":                out.ClientName,
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
	})
}

// Authorize validates the downstream authorize query and forwards the
// user agent to Fathom.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	in := oauthsvc.BeginAuthorizationInput{
		ClientID:            strings.TrimSpace(c.Query("client_id")),
		RedirectURI:         strings.TrimSpace(c.Query("redirect_uri")),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	}
	if in.ClientID == "" || in.RedirectURI == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "client_id and redirect_uri are required."})
		return
	}

	out, err := h.Broker.BeginAuthorization(c.Request.Context(), in)
	if err != nil {
		// The redirect_uri is unverified at this point, so errors are
		// returned directly instead of redirected.
		switch {
		case errors.Is(err, domainoauth.ErrClientNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client", "error_description": "Unknown client_id."})
		case errors.Is(err, domainoauth.ErrRedirectMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "redirect_uri is not registered for this client."})
		default:
			h.respondServerError(c, err)
		}
		return
	}

	c.Redirect(http.StatusFound, out.AuthorizationURL)
}

// Callback completes the upstream leg and sends the user agent back to
// the MCP client with a fresh authorization code.
func (h *OAuthHandler) Callback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code and state are required."})
		return
	}

	out, err := h.Broker.CompleteCallback(c.Request.Context(), oauthsvc.CompleteCallbackInput{
		UpstreamCode: code,
		State:        state,
	})
	if err != nil {
		var rejected *oauthadapter.RejectedError
		switch {
		case errors.Is(err, domainoauth.ErrInvalidState):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "State is invalid, expired, or already used."})
		case errors.As(err, &rejected):
			h.Logger.Warn("upstream rejected code exchange", zap.Int("status", rejected.Status))
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "error_description": "Fathom rejected the authorization. Please try connecting again."})
		case errors.Is(err, domainoauth.ErrUpstreamUnavailable):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream_unavailable", "error_description": "Fathom is temporarily unreachable. Please try again."})
		default:
			h.respondServerError(c, err)
		}
		return
	}

	c.Redirect(http.StatusFound, out.RedirectURL)
}

// Token exchanges a downstream authorization code for an access token.
func (h *OAuthHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		Code         string `form:"code"`
		CodeVerifier string `form:"code_verifier"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}
	if !strings.EqualFold(req.GrantType, "authorization_code") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type", "error_description": "Only authorization_code is supported."})
		return
	}

	out, err := h.Broker.ExchangeCode(c.Request.Context(), oauthsvc.ExchangeCodeInput{
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		if errors.Is(err, domainoauth.ErrGrantInvalid) {
			// One description for unknown, expired, and replayed codes.
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": "The authorization code is invalid, expired, or already used."})
			return
		}
		h.respondServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": out.AccessToken,
		"token_type":   out.TokenType,
		"expires_in":   int64(h.Cfg.AccessTokenTTL.Seconds()),
		"scope":        out.Scope,
	})
}

// ProtectedResourceMetadata serves RFC 9728 discovery for MCP clients.
func (h *OAuthHandler) ProtectedResourceMetadata(c *gin.Context) {
	base := strings.TrimRight(h.Cfg.BaseURL, "/")
	c.JSON(http.StatusOK, gin.H{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	})
}

// AuthorizationServerMetadata serves RFC 8414 discovery.
func (h *OAuthHandler) AuthorizationServerMetadata(c *gin.Context) {
	base := strings.TrimRight(h.Cfg.BaseURL, "/")
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"registration_endpoint":                 base + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

// Health reports liveness.
func (h *OAuthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *OAuthHandler) respondServerError(c *gin.Context, err error) {
	h.Logger.Error("oauth request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal error."})
}
