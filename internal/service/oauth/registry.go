package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domainoauth "github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
)

// ClientRegistry handles open dynamic registration of MCP clients.
type ClientRegistry interface {
	Register(ctx context.Context, in RegisterClientInput) (*RegisterClientOutput, error)
	Find(ctx context.Context, clientID string) (*domainoauth.Client, error)
}

// RegisterClientInput carries the registration request body.
type RegisterClientInput struct {
	RedirectURIs []string
	ClientName   string
}

// RegisterClientOutput is the registration response metadata.
type RegisterClientOutput struct {
	ClientID   string
	IssuedAt   time.Time
	ClientName string
}

type clientRegistry struct {
	clients repository.ClientRepository
}

// NewClientRegistry wires the registry implementation.
func NewClientRegistry(clients repository.ClientRepository) ClientRegistry {
	return &clientRegistry{clients: clients}
}

func (s *clientRegistry) Register(ctx context.Context, in RegisterClientInput) (*RegisterClientOutput, error) {
	if len(in.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: redirect_uris must not be empty", domainoauth.ErrRedirectMismatch)
	}
	uris := make([]string, 0, len(in.RedirectURIs))
	for _, raw := range in.RedirectURIs {
		trimmed := strings.TrimSpace(raw)
		parsed, err := url.Parse(trimmed)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return nil, fmt.Errorf("%w: redirect_uri %q is not an absolute URL", domainoauth.ErrRedirectMismatch, raw)
		}
		// Persist the trimmed form so authorize-time exact matching works.
		uris = append(uris, trimmed)
	}

	client := domainoauth.Client{
		ClientID:     uuid.NewString(),
		ClientName:   strings.TrimSpace(in.ClientName),
		RedirectURIs: uris,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.clients.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}

	return &RegisterClientOutput{
		ClientID:   client.ClientID,
		IssuedAt:   client.CreatedAt,
		ClientName: client.ClientName,
	}, nil
}

func (s *clientRegistry) Find(ctx context.Context, clientID string) (*domainoauth.Client, error) {
	client, err := s.clients.Find(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainoauth.ErrClientNotFound
		}
		return nil, fmt.Errorf("find client: %w", err)
	}
	return &client, nil
}
