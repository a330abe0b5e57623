package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/cloudsync-go/internal/docstore"
	"github.com/tonimelisma/cloudsync-go/internal/kvstore"
	"github.com/tonimelisma/cloudsync-go/internal/provider"
	"github.com/tonimelisma/cloudsync-go/internal/token"
)

// configKey is the key-value store entry holding the persisted SyncConfig.
// Deliberately separate from the token key so a config export never sweeps
// up credentials.
const configKey = "cloudSyncConfig"

// Options holds the collaborators of the engine. Registry, Tokens, Docs,
// and KV are required.
type Options struct {
	Registry *provider.Registry
	Tokens   *token.Manager
	Docs     docstore.Store
	KV       kvstore.Store
	Logger   *slog.Logger

	// OnStateChange is invoked with a copy of the new SyncState after every
	// whole-state replacement. Observers must not call back into the engine.
	OnStateChange func(SyncState)
}

// Engine is the sync state machine. All public operations serialize on one
// mutex and replace the SyncState wholesale, so no observer can ever see a
// partially updated state.
type Engine struct {
	mu    sync.Mutex
	state SyncState

	registry *provider.Registry
	tokens   *token.Manager
	docs     docstore.Store
	kv       kvstore.Store
	logger   *slog.Logger
	onChange func(SyncState)

	// now is the clock source. Tests override it.
	now func() time.Time
}

// New creates an Engine, rehydrating state from the persisted SyncConfig
// plus token presence: connected if both exist, else disconnected. A
// malformed persisted config is treated identically to an absent one and
// deleted, never surfaced as a startup error.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		registry: opts.Registry,
		tokens:   opts.Tokens,
		docs:     opts.Docs,
		kv:       opts.KV,
		logger:   logger,
		onChange: opts.OnStateChange,
		now:      time.Now,
	}

	e.state = e.rehydrate(context.Background())

	logger.Info("sync engine initialized",
		slog.String("state", string(e.state.State)),
		slog.String("provider", e.state.Provider),
	)

	return e
}

// rehydrate derives (not transitions) the initial state from persisted
// config and token presence.
func (e *Engine) rehydrate(ctx context.Context) SyncState {
	cfg := e.loadConfig(ctx)
	if cfg == nil || cfg.Provider == "" {
		return SyncState{State: StateDisconnected}
	}

	state := SyncState{
		Provider:     cfg.Provider,
		RemoteFileID: cfg.RemoteFileID,
		State:        StateDisconnected,
	}

	if cfg.LastSyncTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339, cfg.LastSyncTimestamp); err == nil {
			state.LastSyncTimestamp = ts
		}
	}

	if e.tokens.ForProvider(ctx, cfg.Provider) != nil {
		state.State = StateConnected
	}

	return state
}

// loadConfig reads the persisted SyncConfig. Malformed records are deleted,
// mirroring the token manager's self-healing behavior.
func (e *Engine) loadConfig(ctx context.Context) *SyncConfig {
	data, err := e.kv.Get(ctx, configKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		e.logger.Warn("failed to read sync config", slog.String("error", err.Error()))
		return nil
	}

	var cfg SyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		e.logger.Warn("deleting malformed sync config", slog.String("error", err.Error()))

		if delErr := e.kv.Delete(ctx, configKey); delErr != nil {
			e.logger.Warn("failed to delete malformed sync config", slog.String("error", delErr.Error()))
		}

		return nil
	}

	return &cfg
}

// persistConfig writes the SyncConfig derived from the given state.
func (e *Engine) persistConfig(ctx context.Context, state SyncState) error {
	cfg := SyncConfig{
		Provider:     state.Provider,
		RemoteFileID: state.RemoteFileID,
	}

	if !state.LastSyncTimestamp.IsZero() {
		cfg.LastSyncTimestamp = state.LastSyncTimestamp.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("engine: encoding sync config: %w", err)
	}

	if err := e.kv.Set(ctx, configKey, data); err != nil {
		return fmt.Errorf("engine: persisting sync config: %w", err)
	}

	return nil
}

// setState replaces the whole SyncState and notifies the observer.
// Callers must hold e.mu.
func (e *Engine) setState(state SyncState) {
	e.state = state

	e.logger.Debug("state replaced",
		slog.String("state", string(state.State)),
		slog.String("provider", state.Provider),
		slog.String("error", state.Error),
	)

	if e.onChange != nil {
		e.onChange(state)
	}
}

// State returns a copy of the current SyncState.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Connect resolves the provider from the registry, runs its authorization
// flow, locates an existing remote sync file, and persists the configuration.
// A cancelled authorization returns to the previous state rather than error:
// closing the sign-in prompt is not a failure.
//
// Connect is also accepted while already connected: it re-runs authorization
// for the given provider, which covers both a forced re-auth and switching
// providers without an explicit disconnect first.
func (e *Engine) Connect(ctx context.Context, providerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state

	e.setState(SyncState{
		Provider:          providerID,
		LastSyncTimestamp: prev.LastSyncTimestamp,
		State:             StateSyncing,
	})

	p, err := e.registry.Get(providerID)
	if err != nil {
		// The requested provider was never configured; keep whatever was.
		e.setState(SyncState{
			Provider:          prev.Provider,
			LastSyncTimestamp: prev.LastSyncTimestamp,
			RemoteFileID:      prev.RemoteFileID,
			State:             StateError,
			Error:             fmt.Sprintf("unknown provider %q", providerID),
		})

		return err
	}

	if err := p.Connect(ctx); err != nil {
		if provider.KindOf(err) == provider.KindAuthCancelled {
			e.logger.Info("authorization cancelled by user")
			e.setState(prev)

			return err
		}

		e.logger.Error("provider connect failed",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
		e.setState(SyncState{
			Provider: providerID,
			State:    StateError,
			Error:    fmt.Sprintf("connecting to %s: %v", providerID, err),
		})

		return err
	}

	remoteID, err := p.FindSyncFile(ctx)
	if err != nil {
		e.setState(SyncState{
			Provider: providerID,
			State:    StateError,
			Error:    fmt.Sprintf("locating sync file on %s: %v", providerID, err),
		})

		return err
	}

	next := SyncState{
		Provider:          providerID,
		LastSyncTimestamp: prev.LastSyncTimestamp,
		RemoteFileID:      remoteID,
		State:             StateConnected,
	}

	if err := e.persistConfig(ctx, next); err != nil {
		e.setState(SyncState{
			Provider: providerID,
			State:    StateError,
			Error:    err.Error(),
		})

		return err
	}

	e.setState(next)

	e.logger.Info("connected",
		slog.String("provider", providerID),
		slog.String("remote_file_id", remoteID),
	)

	return nil
}

// Disconnect transitions to disconnected from any state. Provider-side
// credential revocation is best-effort: its failure is logged and never
// blocks the transition. Config and tokens are cleared unconditionally.
func (e *Engine) Disconnect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Provider != "" {
		if p, err := e.registry.Get(e.state.Provider); err == nil {
			if discErr := p.Disconnect(ctx); discErr != nil {
				e.logger.Warn("provider disconnect failed",
					slog.String("provider", e.state.Provider),
					slog.String("error", discErr.Error()),
				)
			}
		}
	}

	if err := e.kv.Delete(ctx, configKey); err != nil {
		e.logger.Warn("failed to delete sync config", slog.String("error", err.Error()))
	}

	e.tokens.Clear(ctx)

	e.setState(SyncState{State: StateDisconnected})

	e.logger.Info("disconnected")
}

// SyncNow runs one sync pass. Expected preconditions (no provider
// configured, provider reporting itself disconnected, no local document)
// fail the result without flipping the visible state to error; provider
// failures during the pass enter the error state. The error state itself is
// terminal: nothing syncs out of it until ClearError.
func (e *Engine) SyncNow(ctx context.Context) SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()

	if e.state.State == StateError {
		return SyncResult{Timestamp: now, Direction: DirectionNone, Error: "sync is in the error state; clear the error first"}
	}

	if e.state.Provider == "" {
		return SyncResult{Timestamp: now, Direction: DirectionNone, Error: "no provider configured"}
	}

	p, err := e.registry.Get(e.state.Provider)
	if err != nil {
		return SyncResult{Timestamp: now, Direction: DirectionNone, Error: fmt.Sprintf("unknown provider %q", e.state.Provider)}
	}

	if !p.IsConnected(ctx) {
		return SyncResult{Timestamp: now, Direction: DirectionNone, Error: "provider is disconnected"}
	}

	prev := e.state
	syncing := prev
	syncing.State = StateSyncing
	syncing.Error = ""
	e.setState(syncing)

	result := e.runSync(ctx, p, prev)

	return result
}

// runSync performs the locate/resolve/apply steps of one pass.
// Callers must hold e.mu and have entered the syncing state.
func (e *Engine) runSync(ctx context.Context, p provider.Provider, prev SyncState) SyncResult {
	now := e.now().UTC()

	doc, err := e.docs.Load(ctx)
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("loading local document: %v", err))
	}

	if doc == nil {
		// Expected precondition, not an error state: nothing to sync yet.
		e.logger.Info("sync skipped: no local document")
		restored := prev
		restored.State = StateConnected
		e.setState(restored)

		return SyncResult{Timestamp: now, Direction: DirectionNone, Error: "no local document to sync"}
	}

	remoteID, meta, err := e.locateRemote(ctx, p, prev.RemoteFileID)
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("locating remote file: %v", err))
	}

	direction := resolveDirection(doc.LastModified, meta)

	e.logger.Info("sync direction resolved",
		slog.String("direction", string(direction)),
		slog.Time("local_modified", doc.LastModified),
		slog.Bool("remote_exists", meta != nil),
	)

	switch direction {
	case DirectionUpload:
		return e.applyUpload(ctx, p, prev, doc, remoteID, now)
	case DirectionDownload:
		return e.applyDownload(ctx, p, prev, remoteID, now)
	default:
		return e.finishSync(ctx, prev, remoteID, now, DirectionNone, false)
	}
}

// locateRemote finds the current remote file. A cached id whose metadata
// lookup returns nil means the file was deleted remotely; the engine
// self-heals by searching again before falling back to "no remote file".
func (e *Engine) locateRemote(ctx context.Context, p provider.Provider, cachedID string) (string, *provider.FileMetadata, error) {
	if cachedID != "" {
		meta, err := p.FileMetadata(ctx, cachedID)
		if err != nil {
			return "", nil, err
		}

		if meta != nil {
			return cachedID, meta, nil
		}

		e.logger.Warn("cached remote file is gone, searching again",
			slog.String("file_id", cachedID),
		)
	}

	foundID, err := p.FindSyncFile(ctx)
	if err != nil {
		return "", nil, err
	}

	if foundID == "" {
		return "", nil, nil
	}

	meta, err := p.FileMetadata(ctx, foundID)
	if err != nil {
		return "", nil, err
	}

	if meta == nil {
		// Deleted between the search and the lookup. Treat as absent.
		return "", nil, nil
	}

	return foundID, meta, nil
}

// applyUpload pushes the local document, creating the remote file when no id
// is known and overwriting in place otherwise.
func (e *Engine) applyUpload(
	ctx context.Context,
	p provider.Provider,
	prev SyncState,
	doc *docstore.Document,
	remoteID string,
	now time.Time,
) SyncResult {
	content, err := doc.Encode()
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("encoding document: %v", err))
	}

	newID, err := p.Upload(ctx, content, remoteID)
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("uploading: %v", err))
	}

	return e.finishSync(ctx, prev, newID, now, DirectionUpload, false)
}

// applyDownload pulls the remote document and overwrites the local store.
// The result signals that in-memory state must be rebuilt from the local
// store; the engine does not attempt to hot-swap application state.
func (e *Engine) applyDownload(
	ctx context.Context,
	p provider.Provider,
	prev SyncState,
	remoteID string,
	now time.Time,
) SyncResult {
	content, err := p.Download(ctx, remoteID)
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("downloading: %v", err))
	}

	doc, err := docstore.Decode(content)
	if err != nil {
		return e.failSync(prev, now, fmt.Sprintf("parsing remote document: %v", err))
	}

	if err := e.docs.Save(ctx, doc); err != nil {
		return e.failSync(prev, now, fmt.Sprintf("saving local document: %v", err))
	}

	return e.finishSync(ctx, prev, remoteID, now, DirectionDownload, true)
}

// finishSync persists the refreshed config and returns to connected.
// Runs for every direction including no-op so lastSyncTimestamp always has a
// recent baseline.
func (e *Engine) finishSync(
	ctx context.Context,
	prev SyncState,
	remoteID string,
	now time.Time,
	direction Direction,
	requiresReload bool,
) SyncResult {
	next := SyncState{
		Provider:          prev.Provider,
		LastSyncTimestamp: now,
		RemoteFileID:      remoteID,
		State:             StateConnected,
	}

	if err := e.persistConfig(ctx, next); err != nil {
		return e.failSync(prev, now, err.Error())
	}

	e.setState(next)

	e.logger.Info("sync complete",
		slog.String("direction", string(direction)),
		slog.String("remote_file_id", remoteID),
	)

	return SyncResult{
		Success:        true,
		Direction:      direction,
		Timestamp:      now,
		RequiresReload: requiresReload,
	}
}

// failSync enters the error state with a human-readable message and returns
// the failed result. Raw provider errors never leave the engine.
func (e *Engine) failSync(prev SyncState, now time.Time, message string) SyncResult {
	e.logger.Error("sync failed", slog.String("error", message))

	e.setState(SyncState{
		Provider:          prev.Provider,
		LastSyncTimestamp: prev.LastSyncTimestamp,
		RemoteFileID:      prev.RemoteFileID,
		State:             StateError,
		Error:             message,
	})

	return SyncResult{Timestamp: now, Direction: DirectionNone, Error: message}
}

// ClearError leaves the error state: back to connected when a provider is
// still configured, otherwise disconnected. This is the only way out of
// error; the engine never auto-recovers.
func (e *Engine) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.State != StateError {
		return
	}

	next := e.state
	next.Error = ""

	if next.Provider != "" {
		next.State = StateConnected
	} else {
		next.State = StateDisconnected
	}

	e.setState(next)

	e.logger.Info("error cleared", slog.String("state", string(next.State)))
}
