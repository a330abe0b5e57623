// Package token manages the lifecycle of persisted OAuth credentials for the
// currently connected provider: storage, structural validation, expiry with a
// safety buffer, and silent access-token replacement after a refresh.
//
// Tokens live under their own key in the key-value store, separate from sync
// configuration, so a config export can never sweep up credentials.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/cloudsync-go/internal/kvstore"
)

// tokensKey is the key-value store entry holding the credential record.
const tokensKey = "cloudTokens"

// DefaultExpiryBuffer is subtracted from a token's expiry before treating it
// as expired, so renewal can be attempted before the provider rejects a stale
// token and costs a failed round-trip.
const DefaultExpiryBuffer = 60 * time.Second

// StoredTokens is the persisted credential record for one provider.
// RefreshToken is empty when the authorization flow did not grant one.
type StoredTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"` // Unix milliseconds
	Provider     string `json:"provider"`
}

// valid reports whether the record is structurally complete. A record failing
// this check is treated as absent, never surfaced as a partial credential.
func (t *StoredTokens) valid() bool {
	return t.AccessToken != "" && t.Provider != "" && t.ExpiresAt > 0
}

// Manager persists and validates OAuth credentials for one provider at a time.
type Manager struct {
	store  kvstore.Store
	logger *slog.Logger

	// now is the clock source. Tests override it for expiry checks.
	now func() time.Time
}

// NewManager creates a Manager backed by the given store.
func NewManager(store kvstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Store persists the credential record. On persistence failure the previous
// value is left intact and the error is logged, not returned: a failed write
// must not take down the authorization flow that produced the token.
func (m *Manager) Store(ctx context.Context, tokens StoredTokens) {
	data, err := json.Marshal(tokens)
	if err != nil {
		m.logger.Error("failed to encode tokens", slog.String("error", err.Error()))
		return
	}

	if err := m.store.Set(ctx, tokensKey, data); err != nil {
		m.logger.Error("failed to persist tokens",
			slog.String("provider", tokens.Provider),
			slog.String("error", err.Error()),
		)

		return
	}

	m.logger.Debug("tokens persisted",
		slog.String("provider", tokens.Provider),
		slog.Time("expires_at", time.UnixMilli(tokens.ExpiresAt)),
	)
}

// Retrieve returns the persisted credential record, or nil if absent,
// unparsable, or structurally invalid. Invalid records are deleted as a side
// effect so corruption self-heals instead of resurfacing on every read.
func (m *Manager) Retrieve(ctx context.Context) *StoredTokens {
	data, err := m.store.Get(ctx, tokensKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		m.logger.Warn("failed to read tokens", slog.String("error", err.Error()))
		return nil
	}

	var tokens StoredTokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		m.logger.Warn("deleting unparsable token record", slog.String("error", err.Error()))
		m.deleteRecord(ctx)

		return nil
	}

	if !tokens.valid() {
		m.logger.Warn("deleting structurally invalid token record",
			slog.String("provider", tokens.Provider),
		)
		m.deleteRecord(ctx)

		return nil
	}

	return &tokens
}

// IsExpired reports whether the stored token is absent or expires within the
// given buffer of now.
func (m *Manager) IsExpired(ctx context.Context, buffer time.Duration) bool {
	tokens := m.Retrieve(ctx)
	if tokens == nil {
		return true
	}

	expiresAt := time.UnixMilli(tokens.ExpiresAt)

	return !expiresAt.After(m.now().Add(buffer))
}

// UpdateAccessToken replaces only the access token and recomputes the expiry.
// It can refresh an existing session but never originate one: if no prior
// record exists this is a no-op.
func (m *Manager) UpdateAccessToken(ctx context.Context, accessToken string, expiresIn time.Duration) {
	tokens := m.Retrieve(ctx)
	if tokens == nil {
		m.logger.Warn("ignoring access token update with no stored session")
		return
	}

	tokens.AccessToken = accessToken
	tokens.ExpiresAt = m.now().Add(expiresIn).UnixMilli()

	m.Store(ctx, *tokens)
}

// Clear deletes the credential record unconditionally. Idempotent.
func (m *Manager) Clear(ctx context.Context) {
	m.deleteRecord(ctx)
	m.logger.Debug("tokens cleared")
}

// ForProvider returns the stored tokens only if they belong to the given
// provider. Guards against a stale token from a previously connected, now
// different provider being silently reused.
func (m *Manager) ForProvider(ctx context.Context, providerID string) *StoredTokens {
	tokens := m.Retrieve(ctx)
	if tokens == nil {
		return nil
	}

	if tokens.Provider != providerID {
		m.logger.Debug("stored tokens belong to a different provider",
			slog.String("stored", tokens.Provider),
			slog.String("requested", providerID),
		)

		return nil
	}

	return tokens
}

func (m *Manager) deleteRecord(ctx context.Context) {
	if err := m.store.Delete(ctx, tokensKey); err != nil {
		m.logger.Warn(fmt.Sprintf("failed to delete token record: %v", err))
	}
}
