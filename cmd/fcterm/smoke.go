package main

import (
	"fmt"

	"github.com/onkernel/fcterm/lib/providers"
	"github.com/onkernel/fcterm/lib/verify"
	"github.com/spf13/cobra"
)

func newSmokeCmd(c *cli) *cobra.Command {
	var (
		build     buildOptions
		kernel    string
		vcpus     int64
		memory    string
		noNetwork bool
		session   string
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Build an image, provision networking and boot a guest end to end",
		Long: `smoke builds the root filesystem and provisions host networking
concurrently, checks the resulting image, then boots it and confirms the
hypervisor stays up before terminating it. A result table is printed and the
command fails if any step failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkKVMAccess(); err != nil {
				return fmt.Errorf("KVM access check failed: %w", err)
			}
			mem, err := providers.ParseMemory(memory)
			if err != nil {
				return err
			}

			app, cleanup, err := initializeSmoke(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			ctx := commandContext(cmd.Context(), app.Logger)

			spec, err := build.spec(app.Paths.Image("smoke"))
			if err != nil {
				return err
			}

			results, err := app.Harness.Smoke(ctx, app.Builder, app.Provisioner, verify.SmokeConfig{
				Build:      spec,
				KernelPath: kernel,
				VCPUs:      vcpus,
				MemoryMiB:  mem,
				Network:    !noNetwork,
				SessionID:  session,
			})
			if werr := verify.WriteTable(cmd.OutOrStdout(), results); werr != nil {
				return werr
			}
			return err
		},
	}
	build.addFlags(cmd, c)
	f := cmd.Flags()
	f.StringVar(&kernel, "kernel", c.cfg.KernelPath, "uncompressed guest kernel")
	f.Int64Var(&vcpus, "vcpus", int64(c.cfg.VCPUs), "number of vCPUs")
	f.StringVar(&memory, "memory", c.cfg.Memory, "guest memory")
	f.BoolVar(&noNetwork, "no-network", false, "skip network provisioning and boot without a NIC")
	f.StringVar(&session, "session", "smoke", "session the guest address is derived from")
	return cmd
}
