// Package engine implements the sync state machine: it owns the externally
// observable SyncState, orchestrates connect/disconnect/sync-now/clear-error
// requests, and drives the token manager, provider abstraction, and conflict
// resolution beneath it.
package engine

import "time"

// State is the finite-state tag of the engine.
type State string

const (
	// StateDisconnected is the initial state: no provider configured.
	StateDisconnected State = "disconnected"
	// StateConnected means a provider is configured with usable credentials.
	StateConnected State = "connected"
	// StateSyncing is transient, entered for the duration of any network
	// operation.
	StateSyncing State = "syncing"
	// StateError is terminal until explicitly cleared via ClearError.
	StateError State = "error"
)

// Direction is the outcome of conflict resolution for one sync pass.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionNone     Direction = "none"
)

// SyncState is the only externally observable value of the engine. Every
// mutation replaces it as a whole; observers never see partial updates.
type SyncState struct {
	Provider          string    `json:"provider,omitempty"`
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp,omitzero"`
	RemoteFileID      string    `json:"remoteFileId,omitempty"`
	State             State     `json:"state"`
	Error             string    `json:"error,omitempty"`
}

// SyncConfig is the persisted, non-secret configuration: written after every
// successful connect/sync, read once at startup to seed state.
type SyncConfig struct {
	Provider          string `json:"provider,omitempty"`
	LastSyncTimestamp string `json:"lastSyncTimestamp,omitempty"`
	RemoteFileID      string `json:"remoteFileId,omitempty"`
}

// SyncResult is the caller-facing outcome of one SyncNow attempt. A failed
// result is not the same as the error state: expected preconditions (no
// provider configured, no local document) fail the result while leaving the
// visible state untouched.
type SyncResult struct {
	Success   bool      `json:"success"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`

	// RequiresReload is set only on a successful download: the caller must
	// re-hydrate in-memory state from the local store.
	RequiresReload bool `json:"requiresReload,omitempty"`
}
