package gdrive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/internal/provider"
	"github.com/tonimelisma/cloudsync-go/internal/token"
)

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// accessDeniedError is the OAuth2 error code sent when the user declines or
// closes the consent screen. Classified as AUTH_CANCELLED, not a failure.
const accessDeniedError = "access_denied"

// callbackResult carries the authorization code or error from the callback handler.
type callbackResult struct {
	code string
	err  error
}

// authorize runs the authorization code + PKCE flow:
//  1. Binds a localhost HTTP server on a random port
//  2. Opens the browser to the authorization endpoint
//  3. Receives the callback with the authorization code
//  4. Exchanges the code for tokens using PKCE
//  5. Persists the tokens through the token manager
func (d *Drive) authorize(ctx context.Context) error {
	d.logger.Info("starting browser auth flow (authorization code + PKCE)")

	cfg := d.oauthConfig()

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, d.logger)
	if err != nil {
		return provider.WrapError(provider.KindAuthFailed, "starting callback server", err)
	}

	defer shutdownCallbackServer(srv, d.logger)

	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return provider.WrapError(provider.KindAuthFailed, "generating state token", err)
	}

	registerCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	d.launchBrowser(authURL)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return err
	}

	return d.exchangeAndStore(ctx, cfg, code, verifier)
}

// startCallbackServer binds to 127.0.0.1:0 and starts an HTTP server with the
// given mux. Returns the server, the port, and any error.
func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("gdrive: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("gdrive: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Info("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			deliverResult(resultCh, callbackResult{err: fmt.Errorf("gdrive: callback server error: %w", serveErr)})
		}
	}()

	return srv, port, nil
}

// registerCallbackHandler adds the callback route to the mux.
// Must be called before the browser redirects back.
func registerCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})
}

// handleOAuthCallback validates the state, extracts the code, and delivers
// the result. Only the first result counts: the browser may hit the callback
// more than once (a reload, a retry after an error response), and a second
// send must not block the handler until server shutdown.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	// Validate state to prevent CSRF.
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		deliverResult(resultCh, callbackResult{err: provider.NewError(provider.KindAuthFailed, "OAuth2 state mismatch (possible CSRF)")})

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)

		if errParam == accessDeniedError {
			deliverResult(resultCh, callbackResult{err: provider.NewError(provider.KindAuthCancelled, "user declined authorization")})
		} else {
			deliverResult(resultCh, callbackResult{err: provider.NewError(provider.KindAuthFailed, "authorization failed: "+errParam)})
		}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		deliverResult(resultCh, callbackResult{err: provider.NewError(provider.KindAuthFailed, "callback missing authorization code")})

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authorization successful</h1>"+
		"<p>You can close this window and return to the application.</p></body></html>")
	deliverResult(resultCh, callbackResult{code: code})
}

// deliverResult sends without blocking; once a result has been delivered,
// later callbacks are ignored.
func deliverResult(resultCh chan<- callbackResult, result callbackResult) {
	select {
	case resultCh <- result:
	default:
	}
}

// shutdownCallbackServer gracefully shuts down the callback HTTP server.
func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Best-effort shutdown. Log but don't propagate since we're in a defer.
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr as a fallback so the user can copy-paste it.
func (d *Drive) launchBrowser(authURL string) {
	d.logger.Info("opening browser for authorization")

	openURL := d.opts.OpenURL
	if openURL == nil {
		openURL = func(string) error { return errors.New("no browser launcher configured") }
	}

	if openErr := openURL(authURL); openErr != nil {
		d.logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// waitForCallback blocks until the callback fires or the context is canceled.
// Cancellation while waiting means the user abandoned the sign-in prompt.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", provider.WrapError(provider.KindAuthCancelled, "authorization abandoned", ctx.Err())
	}
}

// exchangeAndStore exchanges the auth code for tokens and persists them.
func (d *Drive) exchangeAndStore(ctx context.Context, cfg *oauth2.Config, code, verifier string) error {
	d.logger.Info("received authorization code, exchanging for token")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.opts.HTTPClient)

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return provider.WrapError(provider.KindAuthFailed, "token exchange failed", err)
	}

	d.tokens.Store(ctx, token.StoredTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
		Provider:     ProviderID,
	})

	d.logger.Info("authorization successful", slog.Time("expiry", tok.Expiry))

	return nil
}

// generateState produces a cryptographically random hex string for the OAuth2
// state parameter. Using crypto/rand prevents CSRF attacks.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
