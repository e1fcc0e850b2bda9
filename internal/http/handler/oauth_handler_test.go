package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	httphandler "github.com/agencyenterprise/fathom-mcp-server/internal/http/handler"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
	oauthsvc "github.com/agencyenterprise/fathom-mcp-server/internal/service/oauth"
)

type stubRegistry struct {
	out *oauthsvc.RegisterClientOutput
	err error
}

func (s *stubRegistry) Register(ctx context.Context, in oauthsvc.RegisterClientInput) (*oauthsvc.RegisterClientOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func (s *stubRegistry) Find(ctx context.Context, clientID string) (*domainoauth.Client, error) {
	return nil, domainoauth.ErrClientNotFound
}

type stubBroker struct {
	beginOut    *oauthsvc.BeginAuthorizationOutput
	beginErr    error
	callbackOut *oauthsvc.CompleteCallbackOutput
	callbackErr error
	exchangeOut *oauthsvc.ExchangeCodeOutput
	exchangeErr error
	authToken   *domainoauth.AccessToken
	authErr     error
}

func (s *stubBroker) BeginAuthorization(ctx context.Context, in oauthsvc.BeginAuthorizationInput) (*oauthsvc.BeginAuthorizationOutput, error) {
	return s.beginOut, s.beginErr
}

func (s *stubBroker) CompleteCallback(ctx context.Context, in oauthsvc.CompleteCallbackInput) (*oauthsvc.CompleteCallbackOutput, error) {
	return s.callbackOut, s.callbackErr
}

func (s *stubBroker) ExchangeCode(ctx context.Context, in oauthsvc.ExchangeCodeInput) (*oauthsvc.ExchangeCodeOutput, error) {
	return s.exchangeOut, s.exchangeErr
}

func (s *stubBroker) Authenticate(ctx context.Context, token string) (*domainoauth.AccessToken, error) {
	return s.authToken, s.authErr
}

func (s *stubBroker) CleanupExpired(ctx context.Context) (repository.OAuthCleanupResult, error) {
	return repository.OAuthCleanupResult{}, nil
}

func testCfg() config.Config {
	return config.Config{
		BaseURL:        "https://bridge.example.com",
		AccessTokenTTL: 30 * 24 * time.Hour,
	}
}

func newHandler(registry oauthsvc.ClientRegistry, broker oauthsvc.Broker) *httphandler.OAuthHandler {
	gin.SetMode(gin.TestMode)
	return httphandler.NewOAuthHandler(registry, broker, testCfg(), zap.NewNop())
}

func doRequest(h gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	h(c)
	return w
}

func TestRegisterHandler(t *testing.T) {
	registry := &stubRegistry{out: &oauthsvc.RegisterClientOutput{
		ClientID:   "client-123",
		IssuedAt:   time.Unix(1700000000, 0),
		ClientName: "Inspector",
	}}
	h := newHandler(registry, &stubBroker{})

	body := `{"redirect_uris":["https://client.example.com/callback"],"client_name":"Inspector"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := doRequest(h.Register, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "client-123", resp["client_id"])
	require.Equal(t, "none", resp["token_endpoint_auth_method"])
	require.Equal(t, float64(1700000000), resp["client_id_issued_at"])
}

func TestRegisterHandlerMissingRedirects(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{})

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := doRequest(h.Register, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_client_metadata")
}

func TestAuthorizeRedirectsUpstream(t *testing.T) {
	broker := &stubBroker{beginOut: &oauthsvc.BeginAuthorizationOutput{
		AuthorizationURL: "https://fathom.video/external/v1/oauth2/authorize?state=abc",
		State:            "abc",
	}}
	h := newHandler(&stubRegistry{}, broker)

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=client-1&redirect_uri=https%3A%2F%2Fclient.example.com%2Fcallback", nil)
	w := doRequest(h.Authorize, req)

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, broker.beginOut.AuthorizationURL, w.Header().Get("Location"))
}

func TestAuthorizeUnknownClient(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{beginErr: domainoauth.ErrClientNotFound})

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=nope&redirect_uri=https%3A%2F%2Fclient.example.com%2Fcb", nil)
	w := doRequest(h.Authorize, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_client")
}

func TestAuthorizeMissingParams(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{})

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	w := doRequest(h.Authorize, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request")
}

func TestCallbackRedirectsToClient(t *testing.T) {
	broker := &stubBroker{callbackOut: &oauthsvc.CompleteCallbackOutput{
		RedirectURL: "https://client.example.com/callback?code=xyz&state=abc",
		UserID:      "user-1",
	}}
	h := newHandler(&stubRegistry{}, broker)

	req := httptest.NewRequest(http.MethodGet, "/oauth/fathom/callback?code=up&state=st", nil)
	w := doRequest(h.Callback, req)

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, broker.callbackOut.RedirectURL, w.Header().Get("Location"))
}

func TestCallbackInvalidState(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{callbackErr: domainoauth.ErrInvalidState})

	req := httptest.NewRequest(http.MethodGet, "/oauth/fathom/callback?code=up&state=st", nil)
	w := doRequest(h.Callback, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request")
}

func TestCallbackUpstreamRejection(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{callbackErr: &oauthadapter.RejectedError{Status: 400}})

	req := httptest.NewRequest(http.MethodGet, "/oauth/fathom/callback?code=up&state=st", nil)
	w := doRequest(h.Callback, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "upstream_error")
}

func TestCallbackUpstreamUnavailable(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{callbackErr: domainoauth.ErrUpstreamUnavailable})

	req := httptest.NewRequest(http.MethodGet, "/oauth/fathom/callback?code=up&state=st", nil)
	w := doRequest(h.Callback, req)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestTokenHandler(t *testing.T) {
	broker := &stubBroker{exchangeOut: &oauthsvc.ExchangeCodeOutput{
		AccessToken: "token-abc",
		TokenType:   "Bearer",
		Scope:       "fathom:read",
	}}
	h := newHandler(&stubRegistry{}, broker)

	form := "grant_type=authorization_code&code=c1&code_verifier=v1"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := doRequest(h.Token, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "token-abc", resp["access_token"])
	require.Equal(t, "Bearer", resp["token_type"])
	require.Equal(t, float64(30*24*3600), resp["expires_in"])
	require.Equal(t, "fathom:read", resp["scope"])
}

func TestTokenHandlerInvalidGrant(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{exchangeErr: domainoauth.ErrGrantInvalid})

	form := "grant_type=authorization_code&code=burned"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := doRequest(h.Token, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_grant")
	require.Contains(t, w.Body.String(), "invalid, expired, or already used")
}

func TestTokenHandlerUnsupportedGrantType(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{})

	form := "grant_type=client_credentials"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := doRequest(h.Token, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestProtectedResourceMetadata(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	w := doRequest(h.ProtectedResourceMetadata, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"resource":"https://bridge.example.com"`)
	require.Contains(t, w.Body.String(), "authorization_servers")
}

func TestAuthorizationServerMetadata(t *testing.T) {
	h := newHandler(&stubRegistry{}, &stubBroker{})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := doRequest(h.AuthorizationServerMetadata, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "https://bridge.example.com", resp["issuer"])
	require.Equal(t, "https://bridge.example.com/oauth/authorize", resp["authorization_endpoint"])
	require.Equal(t, "https://bridge.example.com/oauth/token", resp["token_endpoint"])
	require.Equal(t, "https://bridge.example.com/oauth/register", resp["registration_endpoint"])
}
