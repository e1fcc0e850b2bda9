package oauth

import "time"

// Client is a dynamically registered MCP client. Registration is open
// and clients are immutable; re-registering yields a new client_id.
type Client struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
	CreatedAt    time.Time
}

// AuthorizationState correlates one downstream authorize call with the
// bridge's own round-trip to Fathom. Single-use: deleted when the
// upstream callback completes.
type AuthorizationState struct {
	State               string
	ClientID            string
	ClientRedirectURI   string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
}

// AuthorizationCode is the downstream-facing code issued after the
// upstream hop completes. UsedAt transitions nil -> timestamp exactly
// once.
type AuthorizationCode struct {
	Code                string
	UserID              string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// AccessToken is the opaque bearer token handed to MCP clients.
type AccessToken struct {
	Token     string
	UserID    string
	Scope     string
	ExpiresAt time.Time
}

// UpstreamToken holds the encrypted Fathom credential pair for one
// user. One row per user, upserted on every (re)authorization.
type UpstreamToken struct {
	UserID                string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
}

// TokenResponse mirrors the Fathom OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
