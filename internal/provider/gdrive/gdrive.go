// Package gdrive implements the storage provider abstraction against the
// Google Drive REST API. Authorization uses the authorization code + PKCE
// flow with a localhost callback; all authenticated calls funnel through one
// request helper that classifies HTTP status codes into the shared error
// taxonomy before they reach callers.
package gdrive

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloudsync-go/internal/provider"
	"github.com/tonimelisma/cloudsync-go/internal/token"
)

// ProviderID is the registry identifier for this backend.
const ProviderID = "googledrive"

// Default endpoints. Overridable via Options for tests.
const (
	defaultAPIBase    = "https://www.googleapis.com/drive/v3"
	defaultUploadBase = "https://www.googleapis.com/upload/drive/v3"
	defaultRevokeURL  = "https://oauth2.googleapis.com/revoke"
)

// DefaultSyncFileName is the well-known remote file name for the sync
// relationship.
const DefaultSyncFileName = "cloudsync-document.json"

// driveScope limits access to files created by this application.
const driveScope = "https://www.googleapis.com/auth/drive.file"

// httpTimeout bounds every Drive API request.
const httpTimeout = 30 * time.Second

// Options configures a Drive provider.
type Options struct {
	// ClientID is the OAuth2 public client identifier. Required.
	ClientID string

	// SyncFileName names the remote sync file. Defaults to DefaultSyncFileName.
	SyncFileName string

	// OpenURL launches the user's browser for authorization. Defaults to a
	// stderr print of the URL.
	OpenURL func(url string) error

	// HTTPClient is used for all API calls. Defaults to a client with a
	// 30-second timeout.
	HTTPClient *http.Client

	// APIBase, UploadBase, and RevokeURL override the Drive endpoints.
	// Tests point these at httptest servers.
	APIBase    string
	UploadBase string
	RevokeURL  string

	// Endpoint overrides the OAuth2 endpoint. Tests point this at a mock
	// token server.
	Endpoint oauth2.Endpoint
}

// Drive is a Provider backed by the Google Drive REST API.
type Drive struct {
	opts   Options
	tokens *token.Manager
	logger *slog.Logger

	// inflight de-duplicates concurrent Connect calls: a second call made
	// while an authorization attempt is pending attaches to the same attempt
	// instead of opening a second browser prompt.
	inflight singleflight.Group
}

// New creates a Drive provider. The token manager owns credential
// persistence; the provider writes tokens through it after authorization.
func New(opts Options, tokens *token.Manager, logger *slog.Logger) *Drive {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.SyncFileName == "" {
		opts.SyncFileName = DefaultSyncFileName
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: httpTimeout}
	}

	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}

	if opts.UploadBase == "" {
		opts.UploadBase = defaultUploadBase
	}

	if opts.RevokeURL == "" {
		opts.RevokeURL = defaultRevokeURL
	}

	if opts.Endpoint.AuthURL == "" {
		opts.Endpoint = google.Endpoint
	}

	return &Drive{opts: opts, tokens: tokens, logger: logger}
}

// ID returns the registry identifier.
func (d *Drive) ID() string {
	return ProviderID
}

// oauthConfig builds the oauth2.Config for this provider. The redirect URL
// is filled in per-attempt once the callback listener port is known.
func (d *Drive) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: d.opts.ClientID,
		Scopes:   []string{driveScope},
		Endpoint: d.opts.Endpoint,
	}
}

// Connect runs the authorization flow and persists the resulting tokens.
// Concurrent calls share one outstanding attempt via singleflight.
func (d *Drive) Connect(ctx context.Context) error {
	_, err, shared := d.inflight.Do("connect", func() (any, error) {
		return nil, d.authorize(ctx)
	})

	if shared {
		d.logger.Debug("connect attached to pending authorization")
	}

	return err
}

// Disconnect revokes the access token best-effort and clears stored
// credentials. Revocation failure is logged, never propagated: the local
// disconnect must succeed regardless of remote cooperation.
func (d *Drive) Disconnect(ctx context.Context) error {
	tokens := d.tokens.ForProvider(ctx, ProviderID)
	if tokens != nil {
		if err := d.revokeToken(ctx, tokens.AccessToken); err != nil {
			d.logger.Warn("token revocation failed",
				slog.String("error", err.Error()),
			)
		}
	}

	d.tokens.Clear(ctx)

	return nil
}

// revokeToken posts the access token to the revocation endpoint.
func (d *Drive) revokeToken(ctx context.Context, accessToken string) error {
	form := url.Values{"token": {accessToken}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("gdrive: creating revoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gdrive: revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gdrive: revoke returned HTTP %d", resp.StatusCode)
	}

	d.logger.Info("token revoked")

	return nil
}

// IsConnected reports whether a usable credential is available, refreshing
// silently when possible.
func (d *Drive) IsConnected(ctx context.Context) bool {
	tok, err := d.AccessToken(ctx)

	return err == nil && tok != ""
}

// AccessToken returns a bearer token. An expired access token is refreshed
// transparently when a refresh token exists; otherwise a classified
// TOKEN_EXPIRED error is returned and the user must reconnect.
func (d *Drive) AccessToken(ctx context.Context) (string, error) {
	tokens := d.tokens.ForProvider(ctx, ProviderID)
	if tokens == nil {
		return "", provider.NewError(provider.KindAuthFailed, "not connected")
	}

	if !d.tokens.IsExpired(ctx, token.DefaultExpiryBuffer) {
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		return "", provider.NewError(provider.KindTokenExpired, "access token expired and no refresh token available")
	}

	return d.refreshAccessToken(ctx, tokens.RefreshToken)
}

// refreshAccessToken exchanges the refresh token for a new access token and
// persists it through the token manager.
func (d *Drive) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	d.logger.Info("refreshing expired access token")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.opts.HTTPClient)

	src := d.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return "", provider.WrapError(provider.KindTokenExpired, "token refresh failed", err)
	}

	expiresIn := time.Until(tok.Expiry)
	d.tokens.UpdateAccessToken(ctx, tok.AccessToken, expiresIn)

	d.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

	return tok.AccessToken, nil
}
