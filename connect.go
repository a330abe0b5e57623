package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/provider"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <provider>",
		Short: "Sign in to a cloud provider and enable sync",
		Long: `Run the provider's browser authorization flow, locate any existing
remote sync file, and persist the connection.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	providerID := args[0]

	if err := app.engine.Connect(cmd.Context(), providerID); err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Kind == provider.KindAuthCancelled {
			statusf("Authorization cancelled.\n")
			return nil
		}

		return fmt.Errorf("connecting to %s: %w", providerID, err)
	}

	state := app.engine.State()
	statusf("Connected to %s.\n", providerID)

	if state.RemoteFileID != "" {
		statusf("Found existing sync file (%s).\n", state.RemoteFileID)
	} else {
		statusf("No remote sync file yet; the first sync will create one.\n")
	}

	return nil
}
