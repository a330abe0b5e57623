package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/engine"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Compare the local document against the remote copy and upload,
download, or do nothing based on which side is newer.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	result := app.engine.SyncNow(cmd.Context())

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(result)
	}

	printSyncResult(result)

	if !result.Success {
		return fmt.Errorf("sync failed: %s", result.Error)
	}

	return nil
}

func printSyncResult(result engine.SyncResult) {
	if !result.Success {
		return
	}

	switch result.Direction {
	case engine.DirectionUpload:
		statusf("Uploaded local document.\n")
	case engine.DirectionDownload:
		statusf("Downloaded remote document.\n")
	default:
		statusf("Already in sync.\n")
	}

	if result.RequiresReload {
		statusf("Local document changed: reload application state before continuing.\n")
	}
}
