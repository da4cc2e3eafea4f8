package instances

import (
	"context"
	"fmt"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/onkernel/fcterm/lib/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Stage tokens. Each configuration call returns the token the next one
// requires, so calls can only be issued in order: boot source, machine
// config, optional network interfaces, root drive, start. A token is bound to
// the instance that issued it.
type (
	BootSourceSet     struct{ inst *Instance }
	MachineConfigured struct{ inst *Instance }
	Configured        struct{ inst *Instance }
)

// PutBootSource sets the kernel and command line. It is the first
// configuration call and moves the instance to Configuring.
func (i *Instance) PutBootSource(ctx context.Context, src BootSource) (*BootSourceSet, error) {
	ctx = i.logContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()

	if s := i.current(); s != StateUnconfigured {
		return nil, fmt.Errorf("%w: boot source must be set first, instance is %s", ErrInvalidState, s)
	}

	err := i.put(ctx, StageBootSource, func(ctx context.Context) error {
		return i.client.PutBootSource(ctx, &models.BootSource{
			KernelImagePath: firecracker.String(src.KernelPath),
			BootArgs:        src.BootArgs,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := i.transition(ctx, StateConfiguring); err != nil {
		return nil, err
	}
	return &BootSourceSet{inst: i}, nil
}

// PutMachineConfig sets vCPUs and memory.
func (i *Instance) PutMachineConfig(ctx context.Context, prev *BootSourceSet, mc MachineConfig) (*MachineConfigured, error) {
	ctx = i.logContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev == nil || prev.inst != i {
		return nil, fmt.Errorf("%w: machine config requires this instance's boot source", ErrInvalidState)
	}
	if err := i.requireConfiguring(); err != nil {
		return nil, err
	}

	err := i.put(ctx, StageMachine, func(ctx context.Context) error {
		return i.client.PutMachineConfig(ctx, &models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(mc.VCPUs),
			MemSizeMib: firecracker.Int64(mc.MemoryMiB),
			Smt:        firecracker.Bool(mc.SMT),
		})
	})
	if err != nil {
		return nil, err
	}
	return &MachineConfigured{inst: i}, nil
}

// PutNetworkInterface attaches a NIC. It may be called zero or more times
// between machine config and the root drive.
func (i *Instance) PutNetworkInterface(ctx context.Context, prev *MachineConfigured, nic NetworkInterface) (*MachineConfigured, error) {
	ctx = i.logContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev == nil || prev.inst != i {
		return nil, fmt.Errorf("%w: network interface requires this instance's machine config", ErrInvalidState)
	}
	if err := i.requireConfiguring(); err != nil {
		return nil, err
	}

	err := i.put(ctx, StageNetwork, func(ctx context.Context) error {
		return i.client.PutNetworkInterface(ctx, &models.NetworkInterface{
			IfaceID:     firecracker.String(nic.ID),
			HostDevName: firecracker.String(nic.HostDevName),
			GuestMac:    nic.GuestMAC,
		})
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// PutRootDrive attaches the root block device, completing configuration.
func (i *Instance) PutRootDrive(ctx context.Context, prev *MachineConfigured, d Drive) (*Configured, error) {
	ctx = i.logContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev == nil || prev.inst != i {
		return nil, fmt.Errorf("%w: root drive requires this instance's machine config", ErrInvalidState)
	}
	if err := i.requireConfiguring(); err != nil {
		return nil, err
	}

	err := i.put(ctx, StageDrive, func(ctx context.Context) error {
		return i.client.PutDrive(ctx, &models.Drive{
			DriveID:      firecracker.String(d.ID),
			PathOnHost:   firecracker.String(d.PathOnHost),
			IsRootDevice: firecracker.Bool(d.IsRoot),
			IsReadOnly:   firecracker.Bool(d.ReadOnly),
		})
	})
	if err != nil {
		return nil, err
	}
	return &Configured{inst: i}, nil
}

// Configure runs every configuration stage for cfg in order and returns the
// token Start needs. On rejection the instance is Failed and no later stage
// is issued.
func (i *Instance) Configure(ctx context.Context, cfg VMConfig) (_ *Configured, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := i.metrics.startSpan(ctx, "instances.Configure",
		attribute.String("instance_id", i.id),
		attribute.Bool("network", cfg.Network != nil))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		i.metrics.recordDuration(ctx, configureHist, start, err)
	}()

	bs, err := i.PutBootSource(ctx, BootSource{
		KernelPath: cfg.KernelPath,
		BootArgs:   cfg.BootArgs(),
	})
	if err != nil {
		return nil, err
	}

	mc, err := i.PutMachineConfig(ctx, bs, MachineConfig{
		VCPUs:     cfg.VCPUs,
		MemoryMiB: cfg.MemoryMiB,
		SMT:       cfg.SMT,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Network != nil {
		nic := NetworkInterface{ID: guestIfaceID, HostDevName: cfg.Network.TAPName}
		if cfg.Network.Guest != nil {
			nic.GuestMAC = cfg.Network.Guest.MAC
		}
		if mc, err = i.PutNetworkInterface(ctx, mc, nic); err != nil {
			return nil, err
		}
	}

	return i.PutRootDrive(ctx, mc, Drive{
		ID:         rootDriveID,
		PathOnHost: cfg.RootFSPath,
		IsRoot:     true,
		ReadOnly:   cfg.ReadOnlyRoot,
	})
}

// Start boots the guest. It requires the token from a completed configuration.
func (i *Instance) Start(ctx context.Context, cfg *Configured) error {
	ctx = i.logContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()

	if cfg == nil || cfg.inst != i {
		return fmt.Errorf("%w: start requires this instance's completed configuration", ErrInvalidState)
	}
	if err := i.requireConfiguring(); err != nil {
		return err
	}

	if err := i.put(ctx, StageStart, i.client.StartInstance); err != nil {
		return err
	}
	if err := i.transition(ctx, StateRunning); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "instance started", "pid", i.proc.Pid())
	return nil
}

// Validate checks that cfg has what Configure needs.
func (c VMConfig) Validate() error {
	switch {
	case c.KernelPath == "":
		return fmt.Errorf("%w: kernel path is required", ErrInvalidConfig)
	case c.RootFSPath == "":
		return fmt.Errorf("%w: root filesystem path is required", ErrInvalidConfig)
	case c.VCPUs < 1 || c.VCPUs > 32:
		return fmt.Errorf("%w: vcpus must be 1-32, got %d", ErrInvalidConfig, c.VCPUs)
	case c.MemoryMiB < 1:
		return fmt.Errorf("%w: memory must be positive, got %d MiB", ErrInvalidConfig, c.MemoryMiB)
	case c.Network != nil && c.Network.TAPName == "":
		return fmt.Errorf("%w: network attachment needs a TAP device", ErrInvalidConfig)
	}
	return nil
}

func (i *Instance) requireConfiguring() error {
	if s := i.current(); s != StateConfiguring {
		return fmt.Errorf("%w: instance is %s, want %s", ErrInvalidState, s, StateConfiguring)
	}
	return nil
}

// put issues one control API call. A rejection moves the instance to Failed.
// Callers hold i.mu.
func (i *Instance) put(ctx context.Context, stage Stage, call func(context.Context) error) error {
	log := logger.FromContext(ctx)
	if i.client == nil {
		return fmt.Errorf("%w: instance was not spawned", ErrInvalidState)
	}

	if err := call(ctx); err != nil {
		log.ErrorContext(ctx, "hypervisor rejected configuration", "stage", stage, "error", err)
		if terr := i.transition(ctx, StateFailed); terr != nil {
			log.WarnContext(ctx, "could not mark instance failed", "error", terr)
		}
		return &ConfigurationError{Stage: stage, Err: err}
	}
	log.DebugContext(ctx, "configuration accepted", "stage", stage)
	return nil
}
