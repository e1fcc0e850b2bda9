package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agencyenterprise/fathom-mcp-server/internal/domain"
	"github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ ClientRepository        = (*PostgresClientRepo)(nil)
	_ StateRepository         = (*PostgresStateRepo)(nil)
	_ CodeRepository          = (*PostgresCodeRepo)(nil)
	_ AccessTokenRepository   = (*PostgresAccessTokenRepo)(nil)
	_ UpstreamTokenRepository = (*PostgresUpstreamTokenRepo)(nil)
	_ SessionRepository       = (*PostgresSessionRepo)(nil)
	_ MaintenanceRepository   = (*PostgresMaintenanceRepo)(nil)
)

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: pool}
}

func (r *PostgresClientRepo) Create(ctx context.Context, client oauth.Client) error {
	const query = `
INSERT INTO oauth_clients (client_id, client_name, redirect_uris, created_at)
VALUES ($1, $2, $3, $4)`

	var name sql.NullString
	if client.ClientName != "" {
		name = sql.NullString{String: client.ClientName, Valid: true}
	}
	if _, err := r.db.Exec(ctx, query, client.ClientID, name, client.RedirectURIs, client.CreatedAt); err != nil {
		return fmt.Errorf("insert oauth client: %w", err)
	}
	return nil
}

func (r *PostgresClientRepo) Find(ctx context.Context, clientID string) (oauth.Client, error) {
	const query = `
SELECT client_id, client_name, redirect_uris, created_at
FROM oauth_clients
WHERE client_id = $1
LIMIT 1`

	var (
		name         sql.NullString
		redirectURIs []string
		client       oauth.Client
	)
	if err := r.db.QueryRow(ctx, query, clientID).Scan(
		&client.ClientID,
		&name,
		&redirectURIs,
		&client.CreatedAt,
	); err != nil {
		return oauth.Client{}, fmt.Errorf("get oauth client: %w", err)
	}
	client.ClientName = name.String
	client.RedirectURIs = append([]string{}, redirectURIs...)
	return client, nil
}

// PostgresStateRepo implements StateRepository.
type PostgresStateRepo struct {
	db *pgxpool.Pool
}

func NewPostgresStateRepo(pool *pgxpool.Pool) *PostgresStateRepo {
	return &PostgresStateRepo{db: pool}
}

func (r *PostgresStateRepo) Create(ctx context.Context, state oauth.AuthorizationState) error {
	const query = `
INSERT INTO oauth_states (state, client_id, redirect_uri, client_state, pkce_challenge, pkce_method, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.db.Exec(ctx, query,
		state.State,
		state.ClientID,
		state.ClientRedirectURI,
		state.ClientState,
		nullable(state.CodeChallenge),
		nullable(state.CodeChallengeMethod),
		state.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

func (r *PostgresStateRepo) GetUnexpired(ctx context.Context, state string) (oauth.AuthorizationState, error) {
	const query = `
SELECT state, client_id, redirect_uri, client_state, pkce_challenge, pkce_method, expires_at
FROM oauth_states
WHERE state = $1 AND expires_at > now()
LIMIT 1`

	var (
		challenge sql.NullString
		method    sql.NullString
		row       oauth.AuthorizationState
	)
	if err := r.db.QueryRow(ctx, query, state).Scan(
		&row.State,
		&row.ClientID,
		&row.ClientRedirectURI,
		&row.ClientState,
		&challenge,
		&method,
		&row.ExpiresAt,
	); err != nil {
		return oauth.AuthorizationState{}, fmt.Errorf("get oauth state: %w", err)
	}
	row.CodeChallenge = challenge.String
	row.CodeChallengeMethod = method.String
	return row, nil
}

func (r *PostgresStateRepo) Delete(ctx context.Context, state string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM oauth_states WHERE state = $1`, state); err != nil {
		return fmt.Errorf("delete oauth state: %w", err)
	}
	return nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: pool}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, code oauth.AuthorizationCode) error {
	const query = `
INSERT INTO auth_codes (code, user_id, client_id, redirect_uri, pkce_challenge, pkce_method, scope, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := r.db.Exec(ctx, query,
		code.Code,
		code.UserID,
		code.ClientID,
		code.RedirectURI,
		nullable(code.CodeChallenge),
		nullable(code.CodeChallengeMethod),
		code.Scope,
		code.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert auth code: %w", err)
	}
	return nil
}

// Consume marks the code used in a single statement so that concurrent
// redemption attempts see at most one winner.
func (r *PostgresCodeRepo) Consume(ctx context.Context, code string) (oauth.AuthorizationCode, error) {
	const query = `
UPDATE auth_codes
SET used_at = now()
WHERE code = $1 AND expires_at > now() AND used_at IS NULL
RETURNING code, user_id, client_id, redirect_uri, pkce_challenge, pkce_method, scope, expires_at, used_at`

	var (
		challenge sql.NullString
		method    sql.NullString
		usedAt    sql.NullTime
		row       oauth.AuthorizationCode
	)
	if err := r.db.QueryRow(ctx, query, code).Scan(
		&row.Code,
		&row.UserID,
		&row.ClientID,
		&row.RedirectURI,
		&challenge,
		&method,
		&row.Scope,
		&row.ExpiresAt,
		&usedAt,
	); err != nil {
		return oauth.AuthorizationCode{}, fmt.Errorf("consume auth code: %w", err)
	}
	row.CodeChallenge = challenge.String
	row.CodeChallengeMethod = method.String
	if usedAt.Valid {
		row.UsedAt = &usedAt.Time
	}
	return row, nil
}

// PostgresAccessTokenRepo implements AccessTokenRepository.
type PostgresAccessTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAccessTokenRepo(pool *pgxpool.Pool) *PostgresAccessTokenRepo {
	return &PostgresAccessTokenRepo{db: pool}
}

func (r *PostgresAccessTokenRepo) Create(ctx context.Context, token oauth.AccessToken) error {
	const query = `
INSERT INTO access_tokens (token, user_id, scope, expires_at)
VALUES ($1, $2, $3, $4)`

	if _, err := r.db.Exec(ctx, query, token.Token, token.UserID, token.Scope, token.ExpiresAt); err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

func (r *PostgresAccessTokenRepo) GetValid(ctx context.Context, token string) (oauth.AccessToken, error) {
	const query = `
SELECT token, user_id, scope, expires_at
FROM access_tokens
WHERE token = $1 AND expires_at > now()
LIMIT 1`

	var row oauth.AccessToken
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&row.Token,
		&row.UserID,
		&row.Scope,
		&row.ExpiresAt,
	); err != nil {
		return oauth.AccessToken{}, fmt.Errorf("get access token: %w", err)
	}
	return row, nil
}

// PostgresUpstreamTokenRepo implements UpstreamTokenRepository.
type PostgresUpstreamTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUpstreamTokenRepo(pool *pgxpool.Pool) *PostgresUpstreamTokenRepo {
	return &PostgresUpstreamTokenRepo{db: pool}
}

func (r *PostgresUpstreamTokenRepo) Upsert(ctx context.Context, token oauth.UpstreamToken) error {
	const query = `
INSERT INTO upstream_tokens (user_id, enc_access_token, enc_refresh_token, expires_at, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id) DO UPDATE
SET enc_access_token = EXCLUDED.enc_access_token,
    enc_refresh_token = EXCLUDED.enc_refresh_token,
    expires_at = EXCLUDED.expires_at,
    updated_at = now()`

	if _, err := r.db.Exec(ctx, query,
		token.UserID,
		token.EncryptedAccessToken,
		token.EncryptedRefreshToken,
		token.ExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert upstream token: %w", err)
	}
	return nil
}

func (r *PostgresUpstreamTokenRepo) Get(ctx context.Context, userID string) (oauth.UpstreamToken, error) {
	const query = `
SELECT user_id, enc_access_token, enc_refresh_token, expires_at
FROM upstream_tokens
WHERE user_id = $1
LIMIT 1`

	var row oauth.UpstreamToken
	if err := r.db.QueryRow(ctx, query, userID).Scan(
		&row.UserID,
		&row.EncryptedAccessToken,
		&row.EncryptedRefreshToken,
		&row.ExpiresAt,
	); err != nil {
		return oauth.UpstreamToken{}, fmt.Errorf("get upstream token: %w", err)
	}
	return row, nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: pool}
}

func (r *PostgresSessionRepo) Insert(ctx context.Context, session domain.Session) error {
	const query = `
INSERT INTO sessions (session_id, user_id, created_at, expires_at, terminated_at)
VALUES ($1, $2, $3, $4, NULL)`

	if _, err := r.db.Exec(ctx, query,
		session.SessionID,
		session.UserID,
		session.CreatedAt,
		session.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) MarkTerminated(ctx context.Context, sessionID string) error {
	const query = `UPDATE sessions SET terminated_at = now() WHERE session_id = $1`
	if _, err := r.db.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("mark session terminated: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) FindExpiredIDs(ctx context.Context, now time.Time, staleCutoff time.Time) ([]string, error) {
	const query = `
SELECT session_id
FROM sessions
WHERE expires_at < $1
   OR (terminated_at IS NOT NULL AND terminated_at < $2)`

	rows, err := r.db.Query(ctx, query, now, staleCutoff)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

func (r *PostgresSessionRepo) DeleteByIDs(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE session_id = ANY($1)`, sessionIDs); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// PostgresMaintenanceRepo implements MaintenanceRepository.
type PostgresMaintenanceRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMaintenanceRepo(pool *pgxpool.Pool) *PostgresMaintenanceRepo {
	return &PostgresMaintenanceRepo{db: pool}
}

// CleanupOAuthData removes expired states, expired or stale-used codes,
// and expired access tokens in one batch round-trip.
func (r *PostgresMaintenanceRepo) CleanupOAuthData(ctx context.Context, now time.Time, staleUsedCutoff time.Time) (OAuthCleanupResult, error) {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM oauth_states WHERE expires_at < $1`, now)
	batch.Queue(`DELETE FROM auth_codes WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $2)`, now, staleUsedCutoff)
	batch.Queue(`DELETE FROM access_tokens WHERE expires_at < $1`, now)

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	var out OAuthCleanupResult
	for i, dst := range []*int64{&out.States, &out.Codes, &out.AccessTokens} {
		tag, err := results.Exec()
		if err != nil {
			return OAuthCleanupResult{}, fmt.Errorf("cleanup oauth data (statement %d): %w", i, err)
		}
		*dst = tag.RowsAffected()
	}
	return out, nil
}

func nullable(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
