package main

import (
	"github.com/spf13/cobra"
)

func newClearErrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-error",
		Short: "Acknowledge the last sync error and leave the error state",
		Args:  cobra.NoArgs,
		RunE:  runClearError,
	}
}

func runClearError(_ *cobra.Command, _ []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	app.engine.ClearError()

	state := app.engine.State()
	statusf("Error cleared; state is now %s.\n", state.State)

	return nil
}
