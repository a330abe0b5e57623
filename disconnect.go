package main

import (
	"github.com/spf13/cobra"
)

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect from the cloud provider and clear credentials",
		Long: `Revoke provider-side credentials best-effort, then clear the stored
configuration and tokens. The local document is left untouched.`,
		Args: cobra.NoArgs,
		RunE: runDisconnect,
	}
}

func runDisconnect(cmd *cobra.Command, _ []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	app.engine.Disconnect(cmd.Context())
	statusf("Disconnected.\n")

	return nil
}
