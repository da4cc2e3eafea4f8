package main

import (
	"context"
	"log/slog"

	"github.com/onkernel/fcterm/cmd/fcterm/config"
	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/otel"
	"github.com/spf13/cobra"
)

// cli carries what every command needs before wiring its components.
type cli struct {
	cfg *config.Config
	tel *otel.Provider
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "fcterm",
		Short: "Build root filesystems and run Firecracker microVMs",
		Long: `fcterm turns a container recipe into an ext4 root filesystem, prepares
host networking for guests, and drives Firecracker microVMs through their
lifecycle.

Defaults come from the environment (or a .env file); flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newBuildCmd(c),
		newNetworkCmd(c),
		newRunCmd(c),
		newSmokeCmd(c),
		newReapCmd(c),
	)
	return root
}

// commandContext installs the wired logger as the default and on the
// command's context.
func commandContext(ctx context.Context, log *slog.Logger) context.Context {
	slog.SetDefault(log)
	return logger.AddToContext(ctx, log)
}
