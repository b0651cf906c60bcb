package googledrive

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jun/doclock/internal/adapter"
	"google.golang.org/api/option"
)

// ClientSource returns an HTTP client acting for a user.
// *auth.CredentialStore satisfies it.
type ClientSource interface {
	HTTPClient(ctx context.Context, userID string) (*http.Client, error)
}

// Provider implements adapter.StoreProvider for Google Drive.
type Provider struct {
	clients ClientSource
	opts    []option.ClientOption
}

// NewProvider creates a new Google Drive provider.
func NewProvider(clients ClientSource, opts ...option.ClientOption) *Provider {
	return &Provider{clients: clients, opts: opts}
}

// StoreFor returns a Drive Store using userID's stored credential.
func (p *Provider) StoreFor(ctx context.Context, userID string) (adapter.ContentStore, error) {
	client, err := p.clients.HTTPClient(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	store, err := NewStore(ctx, client, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive store: %w", err)
	}
	return store, nil
}
