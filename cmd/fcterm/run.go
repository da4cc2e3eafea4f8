package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/onkernel/fcterm/lib/instances"
	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/network"
	"github.com/onkernel/fcterm/lib/providers"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type runOptions struct {
	kernel    string
	rootfs    string
	vcpus     int64
	memory    string
	smt       bool
	readOnly  bool
	guestIP   string
	session   string
	id        string
	bootArgs  []string
	profile   string
	noNetwork bool
}

func (o *runOptions) addFlags(cmd *cobra.Command, c *cli) {
	f := cmd.Flags()
	f.StringVar(&o.kernel, "kernel", c.cfg.KernelPath, "uncompressed guest kernel")
	f.StringVar(&o.rootfs, "rootfs", "", "root filesystem image (default: <data dir>/images/rootfs.img)")
	f.Int64Var(&o.vcpus, "vcpus", int64(c.cfg.VCPUs), "number of vCPUs")
	f.StringVar(&o.memory, "memory", c.cfg.Memory, "guest memory, e.g. 512MB or 1GB")
	f.BoolVar(&o.smt, "smt", false, "enable simultaneous multithreading")
	f.BoolVar(&o.readOnly, "read-only", false, "attach the root filesystem read-only")
	f.StringVar(&c.cfg.TAPName, "tap", c.cfg.TAPName, "TAP device backing the guest NIC")
	f.StringVar(&o.guestIP, "guest-ip", "", "static guest address (default: derived from the session)")
	f.StringVar(&o.session, "session", "", "session the guest address is derived from (default: instance ID)")
	f.StringVar(&o.id, "id", "", "instance ID (default: generated)")
	f.StringSliceVar(&o.bootArgs, "boot-arg", nil, "extra kernel command line arguments")
	f.StringVar(&o.profile, "profile", "", "YAML VM profile; explicit flags override it")
	f.BoolVar(&o.noNetwork, "no-network", false, "boot without a network interface")
}

// resolve merges the profile, if any, underneath explicitly set flags.
func (o *runOptions) resolve(cmd *cobra.Command) error {
	if o.profile == "" {
		return nil
	}
	p, err := loadProfile(o.profile)
	if err != nil {
		return err
	}
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if p.Kernel != "" && !set("kernel") {
		o.kernel = p.Kernel
	}
	if p.RootFS != "" && !set("rootfs") {
		o.rootfs = p.RootFS
	}
	if p.VCPUs > 0 && !set("vcpus") {
		o.vcpus = p.VCPUs
	}
	if p.Memory != "" && !set("memory") {
		o.memory = p.Memory
	}
	if p.SMT && !set("smt") {
		o.smt = true
	}
	if p.ReadOnly && !set("read-only") {
		o.readOnly = true
	}
	if p.Network != nil && !set("no-network") {
		o.noNetwork = !*p.Network
	}
	if p.GuestIP != "" && !set("guest-ip") {
		o.guestIP = p.GuestIP
	}
	if len(p.BootArgs) > 0 && !set("boot-arg") {
		o.bootArgs = p.BootArgs
	}
	return nil
}

// vmConfig builds the VM configuration without networking, which is
// attached once the device and instance ID are known.
func (o *runOptions) vmConfig(defaultRootFS string) (instances.VMConfig, error) {
	mem, err := providers.ParseMemory(o.memory)
	if err != nil {
		return instances.VMConfig{}, err
	}
	vm := instances.VMConfig{
		KernelPath:    o.kernel,
		RootFSPath:    lo.Ternary(o.rootfs != "", o.rootfs, defaultRootFS),
		VCPUs:         o.vcpus,
		MemoryMiB:     mem,
		SMT:           o.smt,
		ReadOnlyRoot:  o.readOnly,
		ExtraBootArgs: o.bootArgs,
	}
	return vm, vm.Validate()
}

// guest picks the guest addressing on dev for the given instance.
func (o *runOptions) guest(dev *network.Device, instanceID string) (*network.GuestNet, error) {
	if o.guestIP != "" {
		ip := net.ParseIP(o.guestIP)
		if ip == nil {
			return nil, fmt.Errorf("%w: guest address %q", network.ErrInvalidConfig, o.guestIP)
		}
		return dev.GuestWithIP(ip)
	}
	return dev.GuestFor(lo.Ternary(o.session != "", o.session, instanceID))
}

func newRunCmd(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a microVM and keep it running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.resolve(cmd); err != nil {
				return err
			}
			if err := checkKVMAccess(); err != nil {
				return fmt.Errorf("KVM access check failed: %w", err)
			}

			app, cleanup, err := initializeVM(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			ctx := commandContext(cmd.Context(), app.Logger)

			vm, err := opts.vmConfig(app.Paths.Image("rootfs"))
			if err != nil {
				return err
			}
			return runVM(ctx, app, &opts, vm, cmd)
		},
	}
	opts.addFlags(cmd, c)
	return cmd
}

func runVM(ctx context.Context, app *vmApp, opts *runOptions, vm instances.VMConfig, cmd *cobra.Command) (err error) {
	log := logger.FromContext(ctx)

	if reaped, rerr := app.Controller.ReapStale(ctx); rerr != nil {
		log.WarnContext(ctx, "failed to reap stale sockets", "error", rerr)
	} else if len(reaped) > 0 {
		log.InfoContext(ctx, "reaped stale sockets", "count", len(reaped))
	}

	var dev *network.Device
	if !opts.noNetwork {
		var report *network.Report
		dev, report, err = app.Provisioner.Provision(ctx)
		if err != nil {
			return err
		}
		if report.Changed() {
			writeReport(cmd.ErrOrStderr(), dev, report)
		}
	}

	inst, err := app.Controller.Spawn(ctx, instances.SpawnRequest{ID: opts.id})
	if err != nil {
		return err
	}
	defer func() {
		if terr := inst.Terminate(context.WithoutCancel(ctx)); terr != nil {
			err = errors.Join(err, terr)
		}
	}()

	if dev != nil {
		guest, gerr := opts.guest(dev, inst.ID())
		if gerr != nil {
			return gerr
		}
		vm.Network = &instances.NetworkAttachment{TAPName: dev.Name, Guest: guest}
	}

	configured, err := inst.Configure(ctx, vm)
	if err != nil {
		return err
	}
	if err := inst.Start(ctx, configured); err != nil {
		return err
	}

	info := inst.Info()
	fmt.Fprintf(cmd.OutOrStdout(), "instance %s running (pid %d, socket %s)\n", info.ID, info.PID, info.SocketPath)
	if vm.Network != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "guest address %s via %s\n", vm.Network.Guest.IP, vm.Network.TAPName)
	}

	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "shutting down instance", logger.InstanceKey, info.ID)
	case <-inst.Exited():
		log.WarnContext(ctx, "hypervisor exited", logger.InstanceKey, info.ID)
	}
	return nil
}
