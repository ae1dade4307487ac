package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNeedsRefresh(t *testing.T) {
	fresh := &Credential{ExpiresAt: time.Now().Add(time.Hour)}
	require.False(t, fresh.NeedsRefresh())

	stale := &Credential{ExpiresAt: time.Now().Add(-time.Minute)}
	require.True(t, stale.NeedsRefresh())

	noExpiry := &Credential{}
	require.False(t, noExpiry.NeedsRefresh())
}

func TestTokenSourceReturnsUnexpiredTokenWithoutRefresh(t *testing.T) {
	store := NewStore()
	store.Set("anthropic", &Credential{
		AccessToken: "live-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, AnthropicEndpoint())

	src := store.TokenSource(nil, "anthropic")
	tok, err := src()
	require.NoError(t, err)
	require.Equal(t, "live-token", tok)
}

func TestTokenSourceErrorsWithoutRefreshToken(t *testing.T) {
	store := NewStore()
	store.Set("anthropic", &Credential{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, AnthropicEndpoint())

	src := store.TokenSource(nil, "anthropic")
	_, err := src()
	require.Error(t, err)
}

func TestTokenSourceErrorsForUnknownProvider(t *testing.T) {
	store := NewStore()
	src := store.TokenSource(nil, "anthropic")
	_, err := src()
	require.Error(t, err)
}
