package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
)

func TestRegisterIssuesUniqueClientIDs(t *testing.T) {
	registry := NewClientRegistry(newFakeClientRepo())
	ctx := context.Background()

	first, err := registry.Register(ctx, RegisterClientInput{
		RedirectURIs: []string{"https://client.example.com/callback"},
		ClientName:   "First",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ClientID)
	require.False(t, first.IssuedAt.IsZero())

	second, err := registry.Register(ctx, RegisterClientInput{
		RedirectURIs: []string{"https://client.example.com/callback"},
		ClientName:   "Second",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ClientID, second.ClientID)
}

func TestRegisterRejectsEmptyRedirectURIs(t *testing.T) {
	registry := NewClientRegistry(newFakeClientRepo())

	_, err := registry.Register(context.Background(), RegisterClientInput{})
	require.ErrorIs(t, err, domainoauth.ErrRedirectMismatch)
}

func TestRegisterRejectsRelativeRedirectURI(t *testing.T) {
	registry := NewClientRegistry(newFakeClientRepo())

	_, err := registry.Register(context.Background(), RegisterClientInput{
		RedirectURIs: []string{"/callback"},
	})
	require.ErrorIs(t, err, domainoauth.ErrRedirectMismatch)
}

func TestRegisterTrimsRedirectURIs(t *testing.T) {
	repo := newFakeClientRepo()
	registry := NewClientRegistry(repo)
	ctx := context.Background()

	out, err := registry.Register(ctx, RegisterClientInput{
		RedirectURIs: []string{"  https://client.example.com/callback\n"},
		ClientName:   "Padded",
	})
	require.NoError(t, err)

	client, err := registry.Find(ctx, out.ClientID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://client.example.com/callback"}, client.RedirectURIs)
}

func TestFindUnknownClient(t *testing.T) {
	registry := NewClientRegistry(newFakeClientRepo())

	_, err := registry.Find(context.Background(), "missing")
	require.ErrorIs(t, err, domainoauth.ErrClientNotFound)
}

func TestFindReturnsRegisteredClient(t *testing.T) {
	repo := newFakeClientRepo()
	registry := NewClientRegistry(repo)
	ctx := context.Background()

	out, err := registry.Register(ctx, RegisterClientInput{
		RedirectURIs: []string{"https://client.example.com/callback", "http://localhost:6274/callback"},
		ClientName:   "Inspector",
	})
	require.NoError(t, err)

	client, err := registry.Find(ctx, out.ClientID)
	require.NoError(t, err)
	require.Equal(t, "Inspector", client.ClientName)
	require.Len(t, client.RedirectURIs, 2)
}
