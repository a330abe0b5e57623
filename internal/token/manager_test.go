package token

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudsync-go/internal/kvstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

func validTokens(provider string) StoredTokens {
	return StoredTokens{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Provider:     provider,
	}
}

func TestManager_StoreRetrieve_Roundtrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	want := validTokens("googledrive")
	m.Store(ctx, want)

	got := m.Retrieve(ctx)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestManager_Retrieve_Absent(t *testing.T) {
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	assert.Nil(t, m.Retrieve(context.Background()))
}

func TestManager_Retrieve_UnparsableRecordSelfHeals(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	m := NewManager(kv, testLogger(t))

	// accessToken as a number: JSON decode of the record fails.
	require.NoError(t, kv.Set(ctx, tokensKey, []byte(`{"accessToken": 12345, "provider": "googledrive"}`)))

	assert.Nil(t, m.Retrieve(ctx))

	// The corrupt record must be deleted, not just skipped.
	_, err := kv.Get(ctx, tokensKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestManager_Retrieve_StructurallyInvalidRecordSelfHeals(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{"missing access token", `{"refreshToken": "r", "expiresAt": 123, "provider": "googledrive"}`},
		{"missing provider", `{"accessToken": "a", "expiresAt": 123}`},
		{"zero expiry", `{"accessToken": "a", "provider": "googledrive", "expiresAt": 0}`},
		{"not an object", `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := kvstore.NewMemory()
			m := NewManager(kv, testLogger(t))

			require.NoError(t, kv.Set(ctx, tokensKey, []byte(tt.record)))

			assert.Nil(t, m.Retrieve(ctx))

			_, err := kv.Get(ctx, tokensKey)
			assert.ErrorIs(t, err, kvstore.ErrNotFound, "invalid record should be deleted")
		})
	}
}

func TestManager_IsExpired_BufferBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	m := NewManager(kvstore.NewMemory(), testLogger(t))
	m.now = func() time.Time { return now }

	tokens := validTokens("googledrive")
	tokens.ExpiresAt = now.Add(30 * time.Second).UnixMilli()
	m.Store(ctx, tokens)

	// Expires in 30s: expired under the default 60s buffer, fine under 10s.
	assert.True(t, m.IsExpired(ctx, DefaultExpiryBuffer))
	assert.False(t, m.IsExpired(ctx, 10*time.Second))
}

func TestManager_IsExpired_AbsentIsExpired(t *testing.T) {
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	assert.True(t, m.IsExpired(context.Background(), DefaultExpiryBuffer))
}

func TestManager_UpdateAccessToken_ReplacesOnlyAccessToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	m := NewManager(kvstore.NewMemory(), testLogger(t))
	m.now = func() time.Time { return now }

	m.Store(ctx, validTokens("googledrive"))
	m.UpdateAccessToken(ctx, "new-access-token", time.Hour)

	got := m.Retrieve(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "new-access-token", got.AccessToken)
	assert.Equal(t, "refresh-token", got.RefreshToken, "refresh token must be preserved")
	assert.Equal(t, "googledrive", got.Provider)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), got.ExpiresAt)
}

func TestManager_UpdateAccessToken_NoSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	// Refresh can never originate a session.
	m.UpdateAccessToken(ctx, "new-access-token", time.Hour)

	assert.Nil(t, m.Retrieve(ctx))
}

func TestManager_Clear_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	m.Store(ctx, validTokens("googledrive"))
	m.Clear(ctx)
	m.Clear(ctx)

	assert.Nil(t, m.Retrieve(ctx))
}

func TestManager_ForProvider_GuardsProviderIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kvstore.NewMemory(), testLogger(t))

	m.Store(ctx, validTokens("googledrive"))

	assert.NotNil(t, m.ForProvider(ctx, "googledrive"))
	assert.Nil(t, m.ForProvider(ctx, "dropbox"), "tokens for another provider must not be reused")
}

// failingStore wraps a Store and fails every Set.
type failingStore struct {
	kvstore.Store
}

func (f *failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestManager_Store_PersistFailureKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	inner := kvstore.NewMemory()
	m := NewManager(inner, testLogger(t))

	m.Store(ctx, validTokens("googledrive"))

	// Swap in a store whose writes fail; the old record must survive.
	m.store = &failingStore{Store: inner}

	newer := validTokens("googledrive")
	newer.AccessToken = "newer"
	m.Store(ctx, newer)

	m.store = inner
	got := m.Retrieve(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "access-token", got.AccessToken)
}
