package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/internal/kvstore"
	"github.com/tonimelisma/cloudsync-go/internal/provider"
	"github.com/tonimelisma/cloudsync-go/internal/token"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

// newTestDrive builds a Drive pointed at the given test server with a fresh
// token manager seeded with a valid credential.
func newTestDrive(t *testing.T, srv *httptest.Server, opts Options) (*Drive, *token.Manager) {
	t.Helper()

	tokens := token.NewManager(kvstore.NewMemory(), testLogger(t))
	tokens.Store(context.Background(), token.StoredTokens{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Provider:     ProviderID,
	})

	opts.ClientID = "test-client"
	opts.HTTPClient = srv.Client()
	opts.APIBase = srv.URL + "/drive/v3"
	opts.UploadBase = srv.URL + "/upload/drive/v3"
	opts.RevokeURL = srv.URL + "/revoke"
	opts.Endpoint = oauth2.Endpoint{
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
	}

	return New(opts, tokens, testLogger(t)), tokens
}

// --- metadata ---

func TestFileMetadata_ParsesResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files/f1", r.URL.Path)
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.RawQuery, "fields=")

		fmt.Fprint(w, `{"id":"f1","name":"cloudsync-document.json","modifiedTime":"2024-01-02T00:00:00Z","size":"123"}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	meta, err := d.FileMetadata(context.Background(), "f1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "f1", meta.ID)
	assert.Equal(t, int64(123), meta.Size)
	assert.True(t, meta.ModifiedTime.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestFileMetadata_DeletedRemotelyIsNilNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	meta, err := d.FileMetadata(context.Background(), "gone")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestDoRequest_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   provider.Kind
	}{
		{http.StatusUnauthorized, provider.KindTokenExpired},
		{http.StatusForbidden, provider.KindPermissionDenied},
		{http.StatusInsufficientStorage, provider.KindQuotaExceeded},
		{http.StatusInternalServerError, provider.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("HTTP %d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			d, _ := newTestDrive(t, srv, Options{})

			_, err := d.Download(context.Background(), "f1")
			require.Error(t, err)
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestDoRequest_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	d, _ := newTestDrive(t, srv, Options{})
	srv.Close() // connection refused from here on

	_, err := d.Download(context.Background(), "f1")
	require.Error(t, err)
	assert.Equal(t, provider.KindNetworkError, provider.KindOf(err))
}

// --- find ---

func TestFindSyncFile_QueryExcludesTrashed(t *testing.T) {
	var gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `{"files":[{"id":"f9","name":"cloudsync-document.json","modifiedTime":"2024-01-01T00:00:00Z"}]}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	id, err := d.FindSyncFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f9", id)
	assert.Contains(t, gotQuery, "trashed = false")
	assert.Contains(t, gotQuery, "cloudsync-document.json")
}

func TestFindSyncFile_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"files":[{"id":"other","name":"unrelated.json"}]}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	id, err := d.FindSyncFile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFindSyncFile_NormalizesUnicodeNames(t *testing.T) {
	// Server returns the name in NFD (decomposed e + combining acute);
	// the configured name is NFC. They must still match.
	decomposed := "cafe\u0301.json"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := fileListResponse{Files: []fileResource{{ID: "f1", Name: decomposed}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{SyncFileName: "caf\u00e9.json"})

	id, err := d.FindSyncFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f1", id)
}

// --- upload / download ---

func TestUpload_CreateUsesMultipart(t *testing.T) {
	content := []byte(`{"lastModified":"2024-01-01T00:00:00Z"}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload/drive/v3/files", r.URL.Path)
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/related; boundary="))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), DefaultSyncFileName)
		assert.Contains(t, string(body), string(content))

		fmt.Fprint(w, `{"id":"new-file-id"}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	id, err := d.Upload(context.Background(), content, "")
	require.NoError(t, err)
	assert.Equal(t, "new-file-id", id)
}

func TestUpload_UpdateUsesMediaBody(t *testing.T) {
	content := []byte(`{"v":2}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/upload/drive/v3/files/existing-id", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, content, body)

		fmt.Fprint(w, `{"id":"existing-id"}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	id, err := d.Upload(context.Background(), content, "existing-id")
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files/f1", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		fmt.Fprint(w, `{"lastModified":"2024-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	d, _ := newTestDrive(t, srv, Options{})

	content, err := d.Download(context.Background(), "f1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastModified":"2024-01-01T00:00:00Z"}`, string(content))
}

// --- token lifecycle ---

func TestAccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	d, tokens := newTestDrive(t, srv, Options{})

	ctx := context.Background()
	tokens.Store(ctx, token.StoredTokens{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
		Provider:    ProviderID,
	})

	_, err := d.AccessToken(ctx)
	require.Error(t, err)
	assert.Equal(t, provider.KindTokenExpired, provider.KindOf(err))
	assert.False(t, d.IsConnected(ctx))
}

func TestAccessToken_RefreshesSilently(t *testing.T) {
	var refreshes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}

		refreshes.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "test-refresh-token", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	d, tokens := newTestDrive(t, srv, Options{})

	ctx := context.Background()
	tokens.Store(ctx, token.StoredTokens{
		AccessToken:  "stale",
		RefreshToken: "test-refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
		Provider:     ProviderID,
	})

	got, err := d.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got)
	assert.Equal(t, int32(1), refreshes.Load())

	// The refreshed token is persisted through the manager.
	stored := tokens.Retrieve(ctx)
	require.NotNil(t, stored)
	assert.Equal(t, "fresh-token", stored.AccessToken)
	assert.Equal(t, "test-refresh-token", stored.RefreshToken)
}

// --- disconnect ---

func TestDisconnect_RevokesAndClears(t *testing.T) {
	var revoked atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/revoke" {
			revoked.Add(1)

			require.NoError(t, r.ParseForm())
			assert.Equal(t, "test-access-token", r.Form.Get("token"))
		}
	}))
	defer srv.Close()

	d, tokens := newTestDrive(t, srv, Options{})
	ctx := context.Background()

	require.NoError(t, d.Disconnect(ctx))
	assert.Equal(t, int32(1), revoked.Load())
	assert.Nil(t, tokens.Retrieve(ctx))
}

func TestDisconnect_RevocationFailureStillClears(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, tokens := newTestDrive(t, srv, Options{})
	ctx := context.Background()

	require.NoError(t, d.Disconnect(ctx), "local disconnect must always succeed")
	assert.Nil(t, tokens.Retrieve(ctx))
}

// --- connect ---

func TestConnect_FullFlowStoresTokens(t *testing.T) {
	var exchanges atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}

		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"granted","refresh_token":"granted-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	openURL := func(authURL string) error {
		go fireCallback(t, authURL)
		return nil
	}

	d, tokens := newTestDrive(t, srv, Options{OpenURL: openURL})
	tokens.Clear(context.Background())

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, int32(1), exchanges.Load())

	stored := tokens.ForProvider(context.Background(), ProviderID)
	require.NotNil(t, stored)
	assert.Equal(t, "granted", stored.AccessToken)
	assert.Equal(t, "granted-refresh", stored.RefreshToken)
}

func TestConnect_ConcurrentCallsShareOneAttempt(t *testing.T) {
	var exchanges, prompts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}

		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"granted","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	released := make(chan struct{})
	openURL := func(authURL string) error {
		prompts.Add(1)

		go func() {
			// Hold the authorization open until both Connect calls are in
			// flight, then complete it once.
			<-released
			fireCallback(t, authURL)
		}()

		return nil
	}

	d, tokens := newTestDrive(t, srv, Options{OpenURL: openURL})
	tokens.Clear(context.Background())

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := range errs {
		wg.Add(1)

		go func() {
			defer wg.Done()
			errs[i] = d.Connect(context.Background())
		}()
	}

	// Give both goroutines time to reach the singleflight gate.
	time.Sleep(100 * time.Millisecond)
	close(released)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), prompts.Load(), "only one authorization prompt may open")
	assert.Equal(t, int32(1), exchanges.Load(), "both calls resolve from one exchange")
}

func TestConnect_CancelledContextIsAuthCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	// Never fires the callback: the user walked away.
	d, tokens := newTestDrive(t, srv, Options{OpenURL: func(string) error { return nil }})
	tokens.Clear(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, provider.KindAuthCancelled, provider.KindOf(err))
}

func TestHandleOAuthCallback_SecondCallbackDoesNotBlock(t *testing.T) {
	resultCh := make(chan callbackResult, 1)

	first := httptest.NewRequest(http.MethodGet, "/?state=s&code=first-code", nil)
	handleOAuthCallback(httptest.NewRecorder(), first, "s", resultCh)

	// The browser can hit the callback again (reload, retry after an error
	// page). With the result already delivered, the handler must return
	// instead of blocking until server shutdown.
	done := make(chan struct{})

	go func() {
		second := httptest.NewRequest(http.MethodGet, "/?state=s&code=second-code", nil)
		handleOAuthCallback(httptest.NewRecorder(), second, "s", resultCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second callback blocked on result delivery")
	}

	result := <-resultCh
	require.NoError(t, result.err)
	assert.Equal(t, "first-code", result.code, "only the first delivered code counts")
}

// fireCallback simulates the browser completing authorization: it extracts
// the redirect URI and state from the auth URL and hits the local callback.
func fireCallback(t *testing.T, authURL string) {
	t.Helper()

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Errorf("parsing auth URL: %v", err)
		return
	}

	redirect := parsed.Query().Get("redirect_uri")
	state := parsed.Query().Get("state")

	resp, err := http.Get(redirect + "/?state=" + url.QueryEscape(state) + "&code=test-auth-code")
	if err != nil {
		t.Errorf("firing callback: %v", err)
		return
	}

	resp.Body.Close()
}
