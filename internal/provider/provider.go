package provider

import (
	"context"
	"time"
)

// FileMetadata describes a remote file. Fetched on demand, never persisted;
// the engine uses it only to compute the sync direction for the current pass.
type FileMetadata struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	Size         int64
}

// Provider is the capability interface a cloud storage backend implements.
//
// FileMetadata returns (nil, nil), not an error, when the file no longer
// exists remotely, so callers can distinguish "deleted" from "unreachable".
type Provider interface {
	// ID returns the stable provider identifier used in configuration.
	ID() string

	// Connect runs the authorization flow and persists credentials.
	// Concurrent calls while an authorization attempt is pending must attach
	// to the same attempt rather than starting a second one.
	Connect(ctx context.Context) error

	// Disconnect revokes provider-side credentials best-effort and clears
	// the stored ones.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether a usable credential is available,
	// attempting a silent refresh if the access token has expired.
	IsConnected(ctx context.Context) bool

	// AccessToken returns a bearer token, transparently reconnecting if the
	// stored token is expired and a refresh path exists. Returns an empty
	// string with a classified error when no token can be produced.
	AccessToken(ctx context.Context) (string, error)

	// Upload writes content to the remote sync file. An empty existingID
	// creates the file; otherwise the file is overwritten in place.
	// Returns the (possibly new) remote file ID.
	Upload(ctx context.Context, content []byte, existingID string) (string, error)

	// Download returns the content of the remote file.
	Download(ctx context.Context, id string) ([]byte, error)

	// FileMetadata fetches metadata for the given remote file.
	FileMetadata(ctx context.Context, id string) (*FileMetadata, error)

	// FindSyncFile locates a previously created sync file by its well-known
	// name. Returns an empty string when none exists.
	FindSyncFile(ctx context.Context) (string, error)
}

// Bootstrapper is implemented by providers that need one-time setup before
// first use (loading an external SDK, priming a client). The registry's
// InitializeAll calls it for every registered provider.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) error
}
