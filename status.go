package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/engine"
)

const neverSynced = "(never)"

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current sync state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(_ *cobra.Command, _ []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	state := app.engine.State()

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(state); err != nil {
			return err
		}
	} else {
		printState(state)
	}

	if state.State == engine.StateError {
		return fmt.Errorf("sync is in the error state: %s", state.Error)
	}

	return nil
}

func printState(state engine.SyncState) {
	provider := state.Provider
	if provider == "" {
		provider = "(none)"
	}

	lastSync := neverSynced
	if !state.LastSyncTimestamp.IsZero() {
		lastSync = state.LastSyncTimestamp.UTC().Format(time.RFC3339)
	}

	statusf("State:      %s\n", state.State)
	statusf("Provider:   %s\n", provider)
	statusf("Last sync:  %s\n", lastSync)

	if state.RemoteFileID != "" {
		statusf("Remote file: %s\n", state.RemoteFileID)
	}

	if state.Error != "" {
		statusf("Error:      %s\n", state.Error)
	}
}
