package engine

import (
	"time"

	"github.com/tonimelisma/cloudsync-go/internal/provider"
)

// resolveDirection is the conflict resolution decision: pure last-write-wins
// on modification timestamps, the whole document as one indivisible unit.
//
//  1. No remote file, or local strictly newer → upload.
//  2. Remote strictly newer → download (caller must re-hydrate afterwards).
//  3. Equal → no-op; the caller still refreshes lastSyncTimestamp so the
//     next pass has a recent baseline.
//
// remote is nil when no remote file exists; locating the remote (including
// the re-search after a remote deletion) is the caller's job.
func resolveDirection(local time.Time, remote *provider.FileMetadata) Direction {
	if remote == nil || local.After(remote.ModifiedTime) {
		return DirectionUpload
	}

	if remote.ModifiedTime.After(local) {
		return DirectionDownload
	}

	return DirectionNone
}
