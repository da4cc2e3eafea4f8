package instances

import (
	"strings"
	"sync"
	"time"

	"github.com/onkernel/fcterm/lib/network"
	"github.com/onkernel/fcterm/lib/paths"
	"github.com/onkernel/fcterm/lib/vmm"
	"github.com/samber/lo"
)

// State is the lifecycle state of a microVM instance.
type State string

const (
	StateUnconfigured State = "Unconfigured" // process up, nothing configured
	StateConfiguring  State = "Configuring"  // at least one configuration call accepted
	StateRunning      State = "Running"      // InstanceStart accepted
	StateTerminated   State = "Terminated"   // process gone, socket removed
	StateFailed       State = "Failed"       // a configuration or start call was rejected
)

// Stage names a configuration step in errors and logs.
type Stage string

const (
	StageBootSource Stage = "boot-source"
	StageMachine    Stage = "machine-config"
	StageNetwork    Stage = "network-interfaces"
	StageDrive      Stage = "drives"
	StageStart      Stage = "start"
)

// DefaultBootArgs is the kernel command line for a serial console and a
// virtio root disk.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off root=/dev/vda rw"

const (
	rootDriveID  = "rootfs"
	guestIfaceID = "eth0"
)

// Config holds controller-wide settings.
type Config struct {
	// Binary is the firecracker executable.
	Binary string
	Paths  *paths.Paths

	ReadyPollInterval time.Duration
	ReadyPollAttempts int
	APITimeout        time.Duration
	ShutdownGrace     time.Duration
	KillWait          time.Duration
}

func (c *Config) defaults() {
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = vmm.DefaultReadyPollInterval
	}
	if c.ReadyPollAttempts <= 0 {
		c.ReadyPollAttempts = vmm.DefaultReadyPollAttempts
	}
	if c.APITimeout <= 0 {
		c.APITimeout = vmm.DefaultAPITimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = vmm.DefaultShutdownGrace
	}
	if c.KillWait <= 0 {
		c.KillWait = vmm.DefaultKillWait
	}
}

// SpawnRequest identifies a new instance. Both fields are optional.
type SpawnRequest struct {
	// ID defaults to a generated cuid2.
	ID string
	// SocketPath defaults to <socket dir>/fc-<id>.sock.
	SocketPath string
}

// BootSource is the kernel to boot and its command line.
type BootSource struct {
	KernelPath string
	BootArgs   string
}

// MachineConfig sizes the guest.
type MachineConfig struct {
	VCPUs     int64
	MemoryMiB int64
	SMT       bool
}

// NetworkInterface backs a guest NIC with a host TAP device.
type NetworkInterface struct {
	ID          string
	HostDevName string
	GuestMAC    string
}

// Drive is a block device backed by a host file.
type Drive struct {
	ID         string
	PathOnHost string
	IsRoot     bool
	ReadOnly   bool
}

// NetworkAttachment connects the guest to a provisioned TAP device. Guest is
// optional; without it the guest gets no static address on the command line.
type NetworkAttachment struct {
	TAPName string
	Guest   *network.GuestNet
}

// VMConfig is everything Configure needs to make an instance bootable.
type VMConfig struct {
	KernelPath    string
	RootFSPath    string
	VCPUs         int64
	MemoryMiB     int64
	SMT           bool
	ReadOnlyRoot  bool
	Network       *NetworkAttachment
	ExtraBootArgs []string
}

// BootArgs returns the kernel command line for this configuration.
func (c VMConfig) BootArgs() string {
	var ipArg string
	if c.Network != nil && c.Network.Guest != nil {
		ipArg = c.Network.Guest.KernelIPArg()
	}
	args := append([]string{DefaultBootArgs, ipArg}, c.ExtraBootArgs...)
	return strings.Join(lo.Compact(args), " ")
}

// Info is a point-in-time view of an instance.
type Info struct {
	ID         string
	SocketPath string
	State      State
	PID        int
	Alive      bool
	CreatedAt  time.Time
	Uptime     time.Duration
}

// Instance is one hypervisor process plus its control socket. Operations on an
// Instance are serialized; separate instances are independent.
//
// The zero Instance is valid only for Terminate, which is a no-op on it.
type Instance struct {
	id         string
	socketPath string
	createdAt  time.Time

	proc    *vmm.Process
	client  *vmm.Client
	cfg     Config
	metrics *Metrics

	mu    sync.Mutex
	state State
}
