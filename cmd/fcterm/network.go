package main

import (
	"fmt"
	"io"

	"github.com/onkernel/fcterm/lib/network"
	"github.com/spf13/cobra"
)

func newNetworkCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage the host TAP device and NAT rules",
	}
	cmd.PersistentFlags().StringVar(&c.cfg.TAPName, "tap", c.cfg.TAPName, "TAP device name")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create the TAP device and NAT rules if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := initializeNetwork(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			ctx := commandContext(cmd.Context(), app.Logger)

			dev, report, err := app.Provisioner.Provision(ctx)
			writeReport(cmd.OutOrStdout(), dev, report)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Remove the TAP device and its NAT rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := initializeNetwork(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			return app.Provisioner.Teardown(commandContext(cmd.Context(), app.Logger))
		},
	})
	return cmd
}

// writeReport prints what provisioning changed. dev is nil on failure, in
// which case only the changes made before the failure are listed.
func writeReport(w io.Writer, dev *network.Device, r *network.Report) {
	if dev != nil {
		fmt.Fprintf(w, "%s %s via %s\n", dev.Name, dev.Address, dev.Uplink)
	}
	if r == nil {
		return
	}
	if !r.Changed() {
		fmt.Fprintln(w, "already provisioned, nothing changed")
		return
	}
	flags := []struct {
		set  bool
		text string
	}{
		{r.DeviceCreated, "created device"},
		{r.AddressAdded, "assigned address"},
		{r.LinkSetUp, "set link up"},
		{r.ForwardingEnabled, "enabled ip forwarding"},
	}
	for _, f := range flags {
		if f.set {
			fmt.Fprintf(w, "  %s\n", f.text)
		}
	}
	for _, rule := range r.RulesRemoved {
		fmt.Fprintf(w, "  - %s\n", rule)
	}
	for _, rule := range r.RulesAdded {
		fmt.Fprintf(w, "  + %s\n", rule)
	}
}
