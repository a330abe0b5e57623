// Package kvstore provides the persistent key-value store backing sync
// configuration and credentials. The production implementation is an embedded
// SQLite database with WAL mode; an in-memory implementation exists for tests.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
// Use errors.Is(err, kvstore.ErrNotFound) to check.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the persistence contract for small JSON records keyed by name.
// Values survive process restarts on the same device and are never synced
// to the cloud.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value for key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources.
	Close() error
}
