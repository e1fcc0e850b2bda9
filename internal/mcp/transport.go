package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/session"
)

const (
	serverName    = "fathom"
	serverVersion = "1.0.0"
)

// Transport is one streamable-HTTP protocol server bound to a single
// session id and user. Session ids are allocated by the session
// manager, not by the protocol library, so the id manager below always
// hands out the pre-assigned id.
type Transport struct {
	sessionID string
	userID    string
	handler   *server.StreamableHTTPServer
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool

	confirmOnce sync.Once
}

func (t *Transport) SessionID() string { return t.sessionID }

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		http.Error(w, "session terminated", http.StatusNotFound)
		return
	}
	t.handler.ServeHTTP(w, r)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Debug("transport closed", zap.String("session_id", t.sessionID))
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fixedIDManager pins the protocol session id to the one the session
// manager allocated and reports the session terminated once the
// transport closes.
type fixedIDManager struct {
	transport *Transport
}

func (m *fixedIDManager) Generate() string { return m.transport.sessionID }

func (m *fixedIDManager) Validate(sessionID string) (bool, error) {
	if sessionID != m.transport.sessionID {
		return false, fmt.Errorf("unknown session id")
	}
	return m.transport.isClosed(), nil
}

func (m *fixedIDManager) Terminate(sessionID string) (bool, error) {
	if sessionID != m.transport.sessionID {
		return false, fmt.Errorf("unknown session id")
	}
	return false, m.transport.Close()
}

// Factory builds per-session protocol transports with the tool set
// bound to the owning user.
type Factory struct {
	tools  *Tools
	logger *zap.Logger
}

func NewFactory(tools *Tools, logger *zap.Logger) *Factory {
	return &Factory{tools: tools, logger: logger}
}

// New builds a transport whose initialize hook runs confirm. The hook
// API cannot veto the initialize response, so a failed confirm closes
// the transport instead and every later request on the session fails
// validation.
func (f *Factory) New(userID, sessionID string, confirm func(ctx context.Context) error) (session.Transport, error) {
	t := &Transport{
		sessionID: sessionID,
		userID:    userID,
		logger:    f.logger,
	}

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcpgo.InitializeRequest, result *mcpgo.InitializeResult) {
		t.confirmOnce.Do(func() {
			if err := confirm(ctx); err != nil {
				f.logger.Error("session confirmation failed",
					zap.String("session_id", sessionID),
					zap.String("user_id", userID),
					zap.Error(err))
				_ = t.Close()
			}
		})
	})

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)
	f.tools.register(mcpServer, userID)

	t.handler = server.NewStreamableHTTPServer(
		mcpServer,
		server.WithSessionIdManager(&fixedIDManager{transport: t}),
	)
	return t, nil
}

var (
	_ session.Transport = (*Transport)(nil)
	_ session.Factory   = (*Factory)(nil)
)
