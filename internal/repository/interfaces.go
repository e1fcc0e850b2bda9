package repository

import (
	"context"
	"time"

	"github.com/agencyenterprise/fathom-mcp-server/internal/domain"
	"github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
)

// ClientRepository persists dynamically registered MCP clients.
type ClientRepository interface {
	Create(ctx context.Context, client oauth.Client) error
	Find(ctx context.Context, clientID string) (oauth.Client, error)
}

// StateRepository persists short-lived authorization correlation states.
type StateRepository interface {
	Create(ctx context.Context, state oauth.AuthorizationState) error
	GetUnexpired(ctx context.Context, state string) (oauth.AuthorizationState, error)
	Delete(ctx context.Context, state string) error
}

// CodeRepository manages downstream authorization codes.
type CodeRepository interface {
	Create(ctx context.Context, code oauth.AuthorizationCode) error
	// Consume atomically selects and marks an unexpired, unused code as
	// used. Concurrent calls on the same code yield exactly one winner;
	// losers see pgx.ErrNoRows.
	Consume(ctx context.Context, code string) (oauth.AuthorizationCode, error)
}

// AccessTokenRepository persists opaque downstream bearer tokens.
type AccessTokenRepository interface {
	Create(ctx context.Context, token oauth.AccessToken) error
	GetValid(ctx context.Context, token string) (oauth.AccessToken, error)
}

// UpstreamTokenRepository stores the encrypted Fathom credential pair,
// one row per user.
type UpstreamTokenRepository interface {
	Upsert(ctx context.Context, token oauth.UpstreamToken) error
	Get(ctx context.Context, userID string) (oauth.UpstreamToken, error)
}

// SessionRepository persists durable session metadata.
type SessionRepository interface {
	Insert(ctx context.Context, session domain.Session) error
	MarkTerminated(ctx context.Context, sessionID string) error
	// FindExpiredIDs returns ids of rows past expires_at or terminated
	// before the stale cutoff.
	FindExpiredIDs(ctx context.Context, now time.Time, staleCutoff time.Time) ([]string, error)
	DeleteByIDs(ctx context.Context, sessionIDs []string) error
}

// OAuthCleanupResult reports row counts removed by the periodic sweep.
type OAuthCleanupResult struct {
	States       int64
	Codes        int64
	AccessTokens int64
}

// MaintenanceRepository runs the batched expiry sweep over the OAuth tables.
type MaintenanceRepository interface {
	CleanupOAuthData(ctx context.Context, now time.Time, staleUsedCutoff time.Time) (OAuthCleanupResult, error)
}
