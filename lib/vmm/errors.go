package vmm

import "errors"

var (
	// ErrSocketInUse is returned when a live hypervisor already serves the socket path.
	ErrSocketInUse = errors.New("control socket already in use")

	// ErrSpawn is returned when the hypervisor process cannot be started.
	ErrSpawn = errors.New("spawn hypervisor process")

	// ErrNotReady is returned when the control socket never appears.
	ErrNotReady = errors.New("hypervisor control socket not ready")

	// ErrKillTimeout is returned when the process outlives SIGKILL.
	ErrKillTimeout = errors.New("hypervisor process did not exit")
)
