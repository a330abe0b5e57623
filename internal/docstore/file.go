package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// File permissions for the document and its parent directory.
const (
	FilePerms = 0o600
	DirPerms  = 0o700
)

// Store is the local document store contract. Load returns (nil, nil) when
// no document exists yet.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// FileStore persists the document as a single pretty-printed JSON file,
// written atomically (temp file in the same directory, then rename).
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a FileStore at the given path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{path: path, logger: logger}
}

// Load reads the document from disk. Returns (nil, nil) if the file does
// not exist.
func (s *FileStore) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "no document yet"
	}

	if err != nil {
		return nil, fmt.Errorf("docstore: reading %s: %w", s.path, err)
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("docstore: %s: %w", s.path, err)
	}

	return doc, nil
}

// Save writes the document atomically with 0600 permissions.
func (s *FileStore) Save(_ context.Context, doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("docstore: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".document-*.tmp")
	if err != nil {
		return fmt.Errorf("docstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("docstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("docstore: renaming: %w", err)
	}

	success = true

	s.logger.Debug("document saved",
		slog.String("path", s.path),
		slog.Int("bytes", len(data)),
	)

	return nil
}
