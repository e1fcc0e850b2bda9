package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	"github.com/agencyenterprise/fathom-mcp-server/internal/domain"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
)

type fakeTransport struct {
	sessionID string
	confirm   func(ctx context.Context) error

	mu     sync.Mutex
	closed int
}

func (t *fakeTransport) SessionID() string { return t.sessionID }

func (t *fakeTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) closedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) New(userID, sessionID string, confirm func(ctx context.Context) error) (Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{sessionID: sessionID, confirm: confirm}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

type fakeSessionRepo struct {
	mu         sync.Mutex
	rows       map[string]domain.Session
	terminated map[string]int
	insertErr  error
	markErr    error
	expiredIDs []string
	deleted    [][]string
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		rows:       make(map[string]domain.Session),
		terminated: make(map[string]int),
	}
}

func (r *fakeSessionRepo) Insert(ctx context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.rows[s.SessionID] = s
	return nil
}

func (r *fakeSessionRepo) MarkTerminated(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	r.terminated[sessionID]++
	return nil
}

func (r *fakeSessionRepo) FindExpiredIDs(ctx context.Context, now, staleBefore time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiredIDs, nil
}

func (r *fakeSessionRepo) DeleteByIDs(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids)
	for _, id := range ids {
		delete(r.rows, id)
	}
	return nil
}

type fakeOAuthCleaner struct {
	mu     sync.Mutex
	calls  int
	result repository.OAuthCleanupResult
}

func (c *fakeOAuthCleaner) CleanupExpired(ctx context.Context) (repository.OAuthCleanupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, nil
}

func testConfig() config.Config {
	return config.Config{
		SessionTTL:       24 * time.Hour,
		IdleTransportTTL: 5 * time.Minute,
		ReapInterval:     time.Minute,
		CleanupInterval:  time.Hour,
		StaleCutoff:      24 * time.Hour,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *fakeSessionRepo, *fakeOAuthCleaner) {
	t.Helper()
	factory := &fakeFactory{}
	repo := newFakeSessionRepo()
	cleaner := &fakeOAuthCleaner{}
	m := NewManager(factory, repo, cleaner, testConfig(), zap.NewNop())
	return m, factory, repo, cleaner
}

func TestCreateSessionConfirmPersistsAndCaches(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, transport.SessionID())

	// Until the client finishes initialization nothing is durable or
	// routable.
	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.False(t, ok)
	require.Empty(t, repo.rows)

	ft := factory.transports[0]
	require.NoError(t, ft.confirm(context.Background()))

	got, userID, ok := m.RetrieveSession(transport.SessionID())
	require.True(t, ok)
	require.Equal(t, "user-1", userID)
	require.Equal(t, transport, got)

	row, ok := repo.rows[transport.SessionID()]
	require.True(t, ok)
	require.Equal(t, "user-1", row.UserID)
	require.Equal(t, row.CreatedAt.Add(24*time.Hour), row.ExpiresAt)
}

func TestCreateSessionConfirmFailurePropagates(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)
	repo.insertErr = errors.New("db down")

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)

	err = factory.transports[0].confirm(context.Background())
	require.Error(t, err)

	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.False(t, ok)
}

func TestCreateSessionFactoryError(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	factory.err = errors.New("boom")

	_, err := m.CreateSession("user-1")
	require.Error(t, err)
}

func TestRetrieveSessionUnknownID(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, _, ok := m.RetrieveSession("nope")
	require.False(t, ok)
}

func TestTerminateSessionClosesAndTombstones(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)
	ft := factory.transports[0]
	require.NoError(t, ft.confirm(context.Background()))

	require.NoError(t, m.TerminateSession(context.Background(), transport.SessionID()))

	require.Equal(t, 1, ft.closedCount())
	require.Equal(t, 1, repo.terminated[transport.SessionID()])
	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.False(t, ok)
}

func TestTerminateSessionEvictsEvenWhenDurableWriteFails(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)
	require.NoError(t, factory.transports[0].confirm(context.Background()))

	repo.markErr = errors.New("db down")
	err = m.TerminateSession(context.Background(), transport.SessionID())
	require.Error(t, err)

	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.False(t, ok)
}

func TestReapIdleTransports(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)

	idle, err := m.CreateSession("user-1")
	require.NoError(t, err)
	require.NoError(t, factory.transports[0].confirm(context.Background()))

	fresh, err := m.CreateSession("user-2")
	require.NoError(t, err)
	require.NoError(t, factory.transports[1].confirm(context.Background()))

	m.mu.Lock()
	m.active[idle.SessionID()].lastAccessedAt = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	m.ReapIdleTransports(context.Background())

	_, _, ok := m.RetrieveSession(idle.SessionID())
	require.False(t, ok)
	_, _, ok = m.RetrieveSession(fresh.SessionID())
	require.True(t, ok)

	require.Equal(t, 1, factory.transports[0].closedCount())
	require.Equal(t, 0, factory.transports[1].closedCount())
	require.Equal(t, 1, repo.terminated[idle.SessionID()])
}

func TestRetrieveSessionResetsIdleClock(t *testing.T) {
	m, factory, _, _ := newTestManager(t)

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)
	require.NoError(t, factory.transports[0].confirm(context.Background()))

	m.mu.Lock()
	m.active[transport.SessionID()].lastAccessedAt = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.True(t, ok)

	m.ReapIdleTransports(context.Background())

	_, _, ok = m.RetrieveSession(transport.SessionID())
	require.True(t, ok)
}

func TestCleanupExpiredDataEvictsAndSweeps(t *testing.T) {
	m, factory, repo, cleaner := newTestManager(t)

	transport, err := m.CreateSession("user-1")
	require.NoError(t, err)
	require.NoError(t, factory.transports[0].confirm(context.Background()))

	repo.expiredIDs = []string{transport.SessionID(), "already-gone"}
	cleaner.result = repository.OAuthCleanupResult{States: 2, Codes: 1}

	m.CleanupExpiredData(context.Background())

	_, _, ok := m.RetrieveSession(transport.SessionID())
	require.False(t, ok)
	require.Equal(t, 1, factory.transports[0].closedCount())
	require.Len(t, repo.deleted, 1)
	require.ElementsMatch(t, []string{transport.SessionID(), "already-gone"}, repo.deleted[0])
	require.Equal(t, 1, cleaner.calls)
}

func TestShutdownClosesAllTransports(t *testing.T) {
	m, factory, repo, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		transport, err := m.CreateSession("user-1")
		require.NoError(t, err)
		require.NoError(t, factory.transports[i].confirm(context.Background()))
		_ = transport
	}

	m.StartSchedulers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, ft := range factory.transports {
		require.Equal(t, 1, ft.closedCount())
		require.Equal(t, 1, repo.terminated[ft.SessionID()])
	}
}
