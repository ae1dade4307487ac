// Package auth holds the slice of OAuth credential handling the provider
// layer actually needs: storing a bearer credential and
// refreshing it before it expires. The full authorize-URL / PKCE /
// device-code login flow is a CLI auth-login concern and is not
// reconstructed here.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential is a refreshable bearer credential for a provider.
type Credential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// NeedsRefresh reports whether the credential is expired or within 60s of
// expiring, so callers can refresh ahead of expiry rather than on failure.
func (c *Credential) NeedsRefresh() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(60 * time.Second).After(c.ExpiresAt)
}

// Store holds one credential per provider and refreshes it on demand via
// an oauth2.TokenSource, so callers never see a stale token.
type Store struct {
	mu    sync.Mutex
	creds map[string]*Credential
	cfg   map[string]oauth2.Endpoint
}

func NewStore() *Store {
	return &Store{
		creds: make(map[string]*Credential),
		cfg:   make(map[string]oauth2.Endpoint),
	}
}

// Set installs a credential for a provider, e.g. loaded from disk at
// startup (persistence of the on-disk form is an external concern).
func (s *Store) Set(provider string, cred *Credential, endpoint oauth2.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[provider] = cred
	s.cfg[provider] = endpoint
}

// TokenSource returns a func() (string, error) suitable for
// providers.ClaudeProvider's tokenSource. It refreshes the stored
// credential in place when it is close to expiring.
func (s *Store) TokenSource(ctx context.Context, provider string) func() (string, error) {
	return func() (string, error) {
		s.mu.Lock()
		cred, ok := s.creds[provider]
		endpoint := s.cfg[provider]
		s.mu.Unlock()

		if !ok {
			return "", fmt.Errorf("no credential stored for provider %q", provider)
		}
		if !cred.NeedsRefresh() {
			return cred.AccessToken, nil
		}
		if cred.RefreshToken == "" {
			return "", fmt.Errorf("credential for %q needs refresh but has no refresh token", provider)
		}

		conf := &oauth2.Config{Endpoint: endpoint}
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
		if err != nil {
			return "", fmt.Errorf("refreshing %s token: %w", provider, err)
		}

		s.mu.Lock()
		cred.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cred.RefreshToken = tok.RefreshToken
		}
		cred.ExpiresAt = tok.Expiry
		s.mu.Unlock()

		return tok.AccessToken, nil
	}
}

// AnthropicEndpoint is the OAuth token endpoint used to refresh a stored
// Claude Max/Pro credential.
func AnthropicEndpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  "https://claude.ai/oauth/authorize",
		TokenURL: "https://console.anthropic.com/v1/oauth/token",
	}
}
