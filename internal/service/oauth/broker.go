package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	oauthadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
	"github.com/agencyenterprise/fathom-mcp-server/internal/vault"
)

const (
	// UpstreamScope is what the bridge requests from Fathom.
	UpstreamScope = "public_api"
	// DefaultScope is granted to downstream MCP clients.
	DefaultScope = "fathom:read"

	pkceMethodS256 = "S256"
)

// Broker orchestrates the two-hop OAuth flow: authorization server
// toward MCP clients, OAuth client toward Fathom.
type Broker interface {
	BeginAuthorization(ctx context.Context, in BeginAuthorizationInput) (*BeginAuthorizationOutput, error)
	CompleteCallback(ctx context.Context, in CompleteCallbackInput) (*CompleteCallbackOutput, error)
	ExchangeCode(ctx context.Context, in ExchangeCodeInput) (*ExchangeCodeOutput, error)
	Authenticate(ctx context.Context, token string) (*domainoauth.AccessToken, error)
	CleanupExpired(ctx context.Context) (repository.OAuthCleanupResult, error)
}

// BeginAuthorizationInput carries the downstream authorize query.
type BeginAuthorizationInput struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// BeginAuthorizationOutput points the user agent at Fathom.
type BeginAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// CompleteCallbackInput carries the upstream callback query.
type CompleteCallbackInput struct {
	UpstreamCode string
	State        string
}

// CompleteCallbackOutput points the user agent back at the MCP client.
type CompleteCallbackOutput struct {
	RedirectURL string
	UserID      string
}

// ExchangeCodeInput carries the downstream token request.
type ExchangeCodeInput struct {
	Code         string
	CodeVerifier string
}

// ExchangeCodeOutput is the downstream token response.
type ExchangeCodeOutput struct {
	AccessToken string
	TokenType   string
	Scope       string
}

type broker struct {
	clients     repository.ClientRepository
	states      repository.StateRepository
	codes       repository.CodeRepository
	tokens      repository.AccessTokenRepository
	maintenance repository.MaintenanceRepository
	vault       *vault.Vault
	provider    oauthadapter.ProviderClient
	cfg         config.Config
	logger      *zap.Logger
}

// NewBroker wires the broker implementation.
func NewBroker(
	clients repository.ClientRepository,
	states repository.StateRepository,
	codes repository.CodeRepository,
	tokens repository.AccessTokenRepository,
	maintenance repository.MaintenanceRepository,
	tokenVault *vault.Vault,
	provider oauthadapter.ProviderClient,
	cfg config.Config,
	logger *zap.Logger,
) Broker {
	return &broker{
		clients:     clients,
		states:      states,
		codes:       codes,
		tokens:      tokens,
		maintenance: maintenance,
		vault:       tokenVault,
		provider:    provider,
		cfg:         cfg,
		logger:      logger,
	}
}

func (b *broker) BeginAuthorization(ctx context.Context, in BeginAuthorizationInput) (*BeginAuthorizationOutput, error) {
	client, err := b.clients.Find(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainoauth.ErrClientNotFound
		}
		return nil, fmt.Errorf("load client: %w", err)
	}

	if !containsRedirectURI(client.RedirectURIs, in.RedirectURI) {
		return nil, domainoauth.ErrRedirectMismatch
	}

	state := domainoauth.AuthorizationState{
		State:               uuid.NewString(),
		ClientID:            in.ClientID,
		ClientRedirectURI:   in.RedirectURI,
		ClientState:         in.State,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: in.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(b.cfg.StateTTL),
	}
	if err := b.states.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &BeginAuthorizationOutput{
		AuthorizationURL: b.buildUpstreamAuthorizeURL(state.State),
		State:            state.State,
	}, nil
}

func (b *broker) CompleteCallback(ctx context.Context, in CompleteCallbackInput) (*CompleteCallbackOutput, error) {
	state, err := b.states.GetUnexpired(ctx, in.State)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainoauth.ErrInvalidState
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	pair, err := b.provider.ExchangeCode(ctx, in.UpstreamCode)
	if err != nil {
		return nil, fmt.Errorf("exchange fathom code: %w", err)
	}

	// Every completed authorization mints a fresh identity; repeat
	// logins are not deduplicated against earlier Fathom grants.
	userID := uuid.NewString()
	if err := b.vault.Store(ctx, userID, pair); err != nil {
		return nil, err
	}

	if err := b.states.Delete(ctx, state.State); err != nil {
		return nil, err
	}

	code := domainoauth.AuthorizationCode{
		Code:                uuid.NewString(),
		UserID:              userID,
		ClientID:            state.ClientID,
		RedirectURI:         state.ClientRedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		Scope:               DefaultScope,
		ExpiresAt:           time.Now().Add(b.cfg.CodeTTL),
	}
	if err := b.codes.Create(ctx, code); err != nil {
		return nil, fmt.Errorf("persist auth code: %w", err)
	}

	redirectURL, err := buildClientRedirectURL(state.ClientRedirectURI, code.Code, state.ClientState)
	if err != nil {
		return nil, err
	}

	b.logger.Info("authorization completed",
		zap.String("client_id", state.ClientID),
		zap.String("user_id", userID))

	return &CompleteCallbackOutput{RedirectURL: redirectURL, UserID: userID}, nil
}

func (b *broker) ExchangeCode(ctx context.Context, in ExchangeCodeInput) (*ExchangeCodeOutput, error) {
	code, err := b.codes.Consume(ctx, in.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: invalid, expired, or already used authorization code", domainoauth.ErrGrantInvalid)
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}

	if code.CodeChallenge != "" {
		if in.CodeVerifier == "" {
			return nil, fmt.Errorf("%w: missing code_verifier", domainoauth.ErrGrantInvalid)
		}
		if !verifyPKCE(in.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, fmt.Errorf("%w: code_verifier does not match challenge", domainoauth.ErrGrantInvalid)
		}
	}

	token := domainoauth.AccessToken{
		Token:     uuid.NewString(),
		UserID:    code.UserID,
		Scope:     code.Scope,
		ExpiresAt: time.Now().Add(b.cfg.AccessTokenTTL),
	}
	if err := b.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("persist access token: %w", err)
	}

	return &ExchangeCodeOutput{
		AccessToken: token.Token,
		TokenType:   "Bearer",
		Scope:       token.Scope,
	}, nil
}

func (b *broker) Authenticate(ctx context.Context, token string) (*domainoauth.AccessToken, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domainoauth.ErrTokenInvalid
	}
	record, err := b.tokens.GetValid(ctx, token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainoauth.ErrTokenInvalid
		}
		return nil, fmt.Errorf("lookup access token: %w", err)
	}
	return &record, nil
}

func (b *broker) CleanupExpired(ctx context.Context) (repository.OAuthCleanupResult, error) {
	now := time.Now()
	return b.maintenance.CleanupOAuthData(ctx, now, now.Add(-b.cfg.StaleCutoff))
}

func (b *broker) buildUpstreamAuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", b.cfg.FathomClientID)
	params.Set("redirect_uri", b.cfg.CallbackURL())
	params.Set("response_type", "code")
	params.Set("scope", UpstreamScope)
	params.Set("state", state)
	return strings.TrimRight(b.cfg.FathomOAuthBaseURL, "/") + "/external/v1/oauth2/authorize?" + params.Encode()
}

func buildClientRedirectURL(redirectURI, code, clientState string) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parse client redirect_uri: %w", err)
	}
	query := parsed.Query()
	query.Set("code", code)
	query.Set("state", clientState)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func containsRedirectURI(registered []string, candidate string) bool {
	for _, uri := range registered {
		if uri == candidate {
			return true
		}
	}
	return false
}

func verifyPKCE(verifier, challenge, method string) bool {
	if method == pkceMethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	}
	return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
}
