package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	"github.com/agencyenterprise/fathom-mcp-server/internal/domain"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
)

// Transport is one live, routable protocol connection bound to a
// session id.
type Transport interface {
	SessionID() string
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	Close() error
}

// Factory builds a transport for a user. The transport invokes confirm
// once the client has completed protocol initialization; a non-nil
// error from confirm means the session could not be persisted and the
// transport must shut itself down instead of serving requests.
type Factory interface {
	New(userID, sessionID string, confirm func(ctx context.Context) error) (Transport, error)
}

// OAuthCleaner is the OAuth subsystem's half of the periodic sweep.
type OAuthCleaner interface {
	CleanupExpired(ctx context.Context) (repository.OAuthCleanupResult, error)
}

type activeEntry struct {
	transport      Transport
	userID         string
	lastAccessedAt time.Time
}

// Manager owns the two-tier session state: a mutex-guarded in-memory
// transport map authoritative for routing, and durable session rows
// authoritative for whether a session ever existed. There is no
// resume-after-restart: a durable row with no in-memory entry is dead
// and the client must re-initialize.
type Manager struct {
	mu     sync.Mutex
	active map[string]*activeEntry

	factory  Factory
	sessions repository.SessionRepository
	oauth    OAuthCleaner
	cfg      config.Config
	logger   *zap.Logger

	schedWG  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager wires the session manager.
func NewManager(factory Factory, sessions repository.SessionRepository, oauth OAuthCleaner, cfg config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		active:   make(map[string]*activeEntry),
		factory:  factory,
		sessions: sessions,
		oauth:    oauth,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// CreateSession allocates a fresh session id and builds a transport for
// userID. The durable row is written when the transport confirms
// initialization; if that write fails the transport tears itself down
// and the initialization fails for the caller.
func (m *Manager) CreateSession(userID string) (Transport, error) {
	sessionID := uuid.NewString()

	var transport Transport
	confirm := func(ctx context.Context) error {
		now := time.Now()
		row := domain.Session{
			SessionID: sessionID,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(m.cfg.SessionTTL),
		}
		if err := m.sessions.Insert(ctx, row); err != nil {
			m.logger.Error("session initialization failed, closing transport",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.Error(err))
			return fmt.Errorf("persist session: %w", err)
		}
		m.cache(sessionID, userID, transport)
		return nil
	}

	transport, err := m.factory.New(userID, sessionID, confirm)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return transport, nil
}

func (m *Manager) cache(sessionID, userID string, transport Transport) {
	m.mu.Lock()
	m.active[sessionID] = &activeEntry{
		transport:      transport,
		userID:         userID,
		lastAccessedAt: time.Now(),
	}
	count := len(m.active)
	m.mu.Unlock()

	m.logger.Info("transport stored in memory",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Int("active_count", count))
}

// RetrieveSession looks a session up in the in-memory map only and
// bumps its last-accessed time. A durable row without an in-memory
// entry is treated as dead.
func (m *Manager) RetrieveSession(sessionID string) (Transport, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.active[sessionID]
	if !ok {
		return nil, "", false
	}
	entry.lastAccessedAt = time.Now()
	return entry.transport, entry.userID, true
}

// TerminateSession closes the transport (best-effort), durably marks
// the row terminated, and evicts the in-memory entry regardless of the
// durable-write outcome. A durable-write failure is returned to the
// caller: termination can no longer be trusted.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	entry, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		if err := entry.transport.Close(); err != nil {
			m.logger.Error("error closing transport", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if err := m.sessions.MarkTerminated(ctx, sessionID); err != nil {
		return fmt.Errorf("mark session terminated: %w", err)
	}

	m.logger.Info("session terminated", zap.String("session_id", sessionID))
	return nil
}

// ReapIdleTransports closes and evicts entries idle beyond the idle
// TTL, best-effort marking their durable rows terminated.
func (m *Manager) ReapIdleTransports(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var idle []*activeEntry
	var idleIDs []string
	for sessionID, entry := range m.active {
		if now.Sub(entry.lastAccessedAt) > m.cfg.IdleTransportTTL {
			idle = append(idle, entry)
			idleIDs = append(idleIDs, sessionID)
			delete(m.active, sessionID)
		}
	}
	remaining := len(m.active)
	m.mu.Unlock()

	if len(idle) == 0 {
		return
	}

	for i, entry := range idle {
		sessionID := idleIDs[i]
		if err := entry.transport.Close(); err != nil {
			m.logger.Error("error closing idle transport", zap.String("session_id", sessionID), zap.Error(err))
		}
		if err := m.sessions.MarkTerminated(ctx, sessionID); err != nil {
			m.logger.Warn("failed to mark reaped session terminated", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.logger.Info("reaped idle transports",
		zap.Int("reaped", len(idle)),
		zap.Int("remaining", remaining))
}

// CleanupExpiredData deletes durable session rows past their TTL or
// tombstoned longer than the stale cutoff, evicting any still-live
// in-memory entries for them, then runs the OAuth expiry sweep.
func (m *Manager) CleanupExpiredData(ctx context.Context) {
	now := time.Now()

	expired, err := m.sessions.FindExpiredIDs(ctx, now, now.Add(-m.cfg.StaleCutoff))
	if err != nil {
		m.logger.Error("error during session cleanup", zap.Error(err))
		return
	}

	if len(expired) > 0 {
		for _, sessionID := range expired {
			m.mu.Lock()
			entry, ok := m.active[sessionID]
			delete(m.active, sessionID)
			m.mu.Unlock()
			if !ok {
				continue
			}
			if err := entry.transport.Close(); err != nil {
				m.logger.Error("error closing expired transport", zap.String("session_id", sessionID), zap.Error(err))
			}
		}

		if err := m.sessions.DeleteByIDs(ctx, expired); err != nil {
			m.logger.Error("error deleting expired sessions", zap.Error(err))
			return
		}
		m.logger.Info("cleaned up expired sessions", zap.Int("count", len(expired)))
	}

	result, err := m.oauth.CleanupExpired(ctx)
	if err != nil {
		m.logger.Error("error during oauth cleanup", zap.Error(err))
		return
	}
	if total := result.States + result.Codes + result.AccessTokens; total > 0 {
		m.logger.Info("cleaned up expired oauth data",
			zap.Int64("states", result.States),
			zap.Int64("codes", result.Codes),
			zap.Int64("access_tokens", result.AccessTokens))
	}
}

// StartSchedulers runs the idle reaper and the expiry sweep until
// Shutdown is called.
func (m *Manager) StartSchedulers() {
	m.schedWG.Add(2)

	go func() {
		defer m.schedWG.Done()
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ReapIdleTransports(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()

	go func() {
		defer m.schedWG.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpiredData(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()

	m.logger.Info("session schedulers started",
		zap.Duration("reap_interval", m.cfg.ReapInterval),
		zap.Duration("cleanup_interval", m.cfg.CleanupInterval),
		zap.Duration("idle_ttl", m.cfg.IdleTransportTTL))
}

// Shutdown stops both schedulers and concurrently closes every live
// transport, collecting close failures instead of propagating them.
// It returns when all closures finish or ctx expires, whichever comes
// first, so the process never hangs on a stuck transport.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down session manager")

	m.stopOnce.Do(func() { close(m.stopCh) })
	m.schedWG.Wait()

	m.mu.Lock()
	entries := make(map[string]*activeEntry, len(m.active))
	for sessionID, entry := range m.active {
		entries[sessionID] = entry
	}
	m.active = make(map[string]*activeEntry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for sessionID, entry := range entries {
		wg.Add(1)
		go func(sessionID string, entry *activeEntry) {
			defer wg.Done()
			if err := entry.transport.Close(); err != nil {
				m.logger.Error("error closing transport during shutdown", zap.String("session_id", sessionID), zap.Error(err))
			}
			if err := m.sessions.MarkTerminated(ctx, sessionID); err != nil {
				m.logger.Warn("failed to mark session terminated during shutdown", zap.String("session_id", sessionID), zap.Error(err))
			}
		}(sessionID, entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager shutdown complete")
		return nil
	case <-ctx.Done():
		m.logger.Warn("session manager shutdown deadline exceeded", zap.Int("pending", len(entries)))
		return ctx.Err()
	}
}
