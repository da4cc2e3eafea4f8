package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReapCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove control sockets left behind by dead hypervisors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := initializeController(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()

			removed, err := app.Controller.ReapStale(commandContext(cmd.Context(), app.Logger))
			for _, id := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
}
