package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	oauthadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/oauth"
	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
)

// Vault stores Fathom credential pairs encrypted at rest and hands out
// valid plaintext access tokens, refreshing expired pairs transparently.
type Vault struct {
	cipher   *Cipher
	tokens   repository.UpstreamTokenRepository
	provider oauthadapter.ProviderClient
	logger   *zap.Logger
}

// New wires the vault.
func New(cipher *Cipher, tokens repository.UpstreamTokenRepository, provider oauthadapter.ProviderClient, logger *zap.Logger) *Vault {
	return &Vault{cipher: cipher, tokens: tokens, provider: provider, logger: logger}
}

// Store encrypts and upserts the token pair for userID.
func (v *Vault) Store(ctx context.Context, userID string, pair *domainoauth.TokenResponse) error {
	encAccess, err := v.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	row := domainoauth.UpstreamToken{
		UserID:                userID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             time.Now().Add(time.Duration(pair.ExpiresIn) * time.Second),
	}
	if err := v.tokens.Upsert(ctx, row); err != nil {
		return fmt.Errorf("persist upstream token: %w", err)
	}
	return nil
}

// GetValid returns a plaintext Fathom access token for userID,
// performing at most one refresh round-trip when the stored pair has
// expired.
func (v *Vault) GetValid(ctx context.Context, userID string) (string, error) {
	stored, err := v.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domainoauth.ErrNoUpstreamAccount
		}
		return "", fmt.Errorf("load upstream token: %w", err)
	}

	accessToken, err := v.cipher.Decrypt(stored.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt stored access token: %w", err)
	}
	if stored.ExpiresAt.After(time.Now()) {
		return accessToken, nil
	}

	refreshToken, err := v.cipher.Decrypt(stored.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt stored refresh token: %w", err)
	}

	refreshed, err := v.provider.Refresh(ctx, refreshToken)
	if err != nil {
		var rejected *oauthadapter.RejectedError
		if errors.As(err, &rejected) {
			// Fathom explicitly refused the refresh token: the link is
			// revoked and only re-authorization can fix it.
			v.logger.Warn("fathom refresh token rejected",
				zap.String("user_id", userID),
				zap.Int("status", rejected.Status))
			return "", domainoauth.ErrUpstreamRevoked
		}
		return "", fmt.Errorf("refresh fathom token: %w", err)
	}

	if err := v.Store(ctx, userID, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}
