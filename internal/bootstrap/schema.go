package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id     text PRIMARY KEY,
	client_name   text NOT NULL DEFAULT '',
	redirect_uris text[] NOT NULL,
	created_at    timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
	state          text PRIMARY KEY,
	client_id      text NOT NULL,
	redirect_uri   text NOT NULL,
	client_state   text,
	pkce_challenge text,
	pkce_method    text,
	expires_at     timestamptz NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS auth_codes (
	code           text PRIMARY KEY,
	user_id        text NOT NULL,
	client_id      text NOT NULL,
	redirect_uri   text NOT NULL,
	pkce_challenge text,
	pkce_method    text,
	scope          text NOT NULL DEFAULT '',
	expires_at     timestamptz NOT NULL,
	used_at        timestamptz
)`,
	`CREATE TABLE IF NOT EXISTS access_tokens (
	token      text PRIMARY KEY,
	user_id    text NOT NULL,
	scope      text NOT NULL DEFAULT '',
	expires_at timestamptz NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS upstream_tokens (
	user_id           text PRIMARY KEY,
	enc_access_token  text NOT NULL,
	enc_refresh_token text NOT NULL,
	expires_at        timestamptz NOT NULL,
	updated_at        timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS sessions (
	session_id    text PRIMARY KEY,
	user_id       text NOT NULL,
	created_at    timestamptz NOT NULL,
	expires_at    timestamptz NOT NULL,
	terminated_at timestamptz
)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_codes_expires_at ON auth_codes (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_access_tokens_expires_at ON access_tokens (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id)`,
}

// EnsureSchema creates the tables the bridge needs on startup so a
// fresh database is usable without a separate migration step.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSchema(ctx, pool, logger)
		},
	})
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	logger.Info("database schema ensured")
	return nil
}
