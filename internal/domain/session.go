package domain

import (
	"errors"
	"time"
)

// Session is the durable record of an MCP session. The in-memory
// transport cache is authoritative for routing; this row only answers
// whether the session ever existed and when it ended.
type Session struct {
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	TerminatedAt *time.Time
}

var (
	// ErrSessionNotFound signals an unknown or no longer live session id.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionForbidden signals a session owned by a different user.
	ErrSessionForbidden = errors.New("session: does not belong to this user")
)
