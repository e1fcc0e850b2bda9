package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to the Fathom OAuth
// token endpoint.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error)
}

// RejectedError is returned when Fathom answers a token request with a
// non-2xx status. Not retryable without user action.
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("fathom token endpoint rejected request: status=%d", e.Status)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURL  string
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client, cfg config.Config) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	return &HTTPProviderClient{
		httpClient:   client,
		tokenURL:     strings.TrimRight(cfg.FathomOAuthBaseURL, "/") + "/external/v1/oauth2/token",
		clientID:     cfg.FathomClientID,
		clientSecret: cfg.FathomClientSecret,
		redirectURL:  cfg.CallbackURL(),
	}
}

// ExchangeCode redeems an upstream authorization code for a token pair.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("redirect_uri", c.redirectURL)
	return c.post(ctx, data)
}

// Refresh trades a refresh token for a fresh pair.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	return c.post(ctx, data)
}

func (c *HTTPProviderClient) post(ctx context.Context, data url.Values) (*domainoauth.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failure: timeout, DNS, connection refused.
		return nil, fmt.Errorf("%w: %v", domainoauth.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RejectedError{Status: resp.StatusCode}
	}

	var token domainoauth.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}
