// Package auth provides credentials for calling the document service and for
// reaching users' Drive content on the service side.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialProvider hands out bearer tokens for the document service.
type CredentialProvider interface {
	AccessToken(ctx context.Context, scopes []string) (string, error)
}

// StaticProvider always returns the same token.
type StaticProvider string

// AccessToken returns the static token.
func (p StaticProvider) AccessToken(context.Context, []string) (string, error) {
	if p == "" {
		return "", errors.New("no access token configured")
	}
	return string(p), nil
}

// TokenSourceFunc builds a token source for a scope set.
type TokenSourceFunc func(ctx context.Context, scopes []string) oauth2.TokenSource

// TokenSourceProvider adapts oauth2 token sources to CredentialProvider.
// One reusable (caching) token source is kept per distinct scope set.
type TokenSourceProvider struct {
	newSource TokenSourceFunc

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenSourceProvider creates a provider from a token source factory.
func NewTokenSourceProvider(fn TokenSourceFunc) *TokenSourceProvider {
	return &TokenSourceProvider{newSource: fn, sources: make(map[string]oauth2.TokenSource)}
}

// NewClientCredentialsProvider uses the OAuth2 client-credentials grant.
func NewClientCredentialsProvider(clientID, clientSecret, tokenURL string) *TokenSourceProvider {
	return NewTokenSourceProvider(func(ctx context.Context, scopes []string) oauth2.TokenSource {
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		return cfg.TokenSource(ctx)
	})
}

// AccessToken returns a valid access token for scopes.
func (p *TokenSourceProvider) AccessToken(ctx context.Context, scopes []string) (string, error) {
	key := scopeKey(scopes)

	p.mu.Lock()
	ts, ok := p.sources[key]
	if !ok {
		// Token sources outlive the request; background keeps refreshes working.
		ts = oauth2.ReuseTokenSource(nil, p.newSource(context.Background(), scopes))
		p.sources[key] = ts
	}
	p.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain access token: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
