package vmm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/onkernel/fcterm/lib/logger"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
)

const (
	DefaultReadyPollInterval = time.Second
	DefaultReadyPollAttempts = 10
	DefaultShutdownGrace     = 5 * time.Second
	DefaultKillWait          = 2 * time.Second
)

// ProcessConfig describes a hypervisor process to spawn.
type ProcessConfig struct {
	// Binary is the firecracker executable.
	Binary string
	// SocketPath is where the process creates its control socket.
	SocketPath string
	// ID is passed as --id when set.
	ID string
	// LogPath receives the process's stdout and stderr, including the guest
	// serial console.
	LogPath string
	// ExtraArgs are appended after the socket and id flags.
	ExtraArgs []string

	ReadyPollInterval time.Duration
	ReadyPollAttempts int
}

func (c *ProcessConfig) defaults() {
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.ReadyPollAttempts <= 0 {
		c.ReadyPollAttempts = DefaultReadyPollAttempts
	}
}

// Process is a running hypervisor and its control socket. The two are released
// together: Terminate and Kill stop the process group, reap it and unlink the
// socket.
type Process struct {
	cmd        *exec.Cmd
	pid        int
	socketPath string
	metrics    *Metrics

	done    chan struct{}
	exitErr error

	mu       sync.Mutex
	released bool
}

// StartProcess spawns the hypervisor detached from the caller's process group
// and waits for its control socket to appear. If the socket never appears the
// process is killed and reaped and the socket path removed before returning.
func StartProcess(ctx context.Context, cfg ProcessConfig, metrics *Metrics) (*Process, error) {
	log := logger.FromContext(ctx)
	cfg.defaults()

	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: no binary configured", ErrSpawn)
	}

	if SocketInUse(cfg.SocketPath) {
		return nil, fmt.Errorf("%w: %s", ErrSocketInUse, cfg.SocketPath)
	}

	// Stale socket from a process that is gone.
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale socket: %w", ErrSpawn, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create socket dir: %w", ErrSpawn, err)
	}

	args := []string{"--api-sock", cfg.SocketPath}
	if cfg.ID != "" {
		args = append(args, "--id", cfg.ID)
	}
	args = append(args, cfg.ExtraArgs...)

	// Command, not CommandContext: the process must outlive the request context.
	cmd := exec.Command(cfg.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("%w: create logs directory: %w", ErrSpawn, err)
		}
		logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: open vmm log: %w", ErrSpawn, err)
		}
		// The child holds its own copy of the descriptor after Start.
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	p := &Process{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		socketPath: cfg.SocketPath,
		metrics:    metrics,
		done:       make(chan struct{}),
	}
	go p.wait()

	log.DebugContext(ctx, "hypervisor process started", "pid", p.pid, "socket", p.socketPath)

	kill := cleanup.Make(func() {
		if err := p.Kill(context.WithoutCancel(ctx)); err != nil {
			log.WarnContext(ctx, "failed to kill unready hypervisor", "pid", p.pid, "error", err)
		}
	})
	defer kill.Clean()

	start := time.Now()
	err := p.waitReady(ctx, cfg.ReadyPollInterval, cfg.ReadyPollAttempts)
	metrics.recordReady(ctx, start, err)
	if err != nil {
		return nil, err
	}

	kill.Release()
	return p, nil
}

func (p *Process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *Process) waitReady(ctx context.Context, interval time.Duration, attempts int) error {
	for attempt := 0; ; attempt++ {
		if socketExists(p.socketPath) {
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("%w: %s missing after %d polls", ErrNotReady, p.socketPath, attempts)
		}

		timer := time.NewTimer(interval)
		select {
		case <-p.done:
			timer.Stop()
			return fmt.Errorf("%w: process exited: %v", ErrNotReady, p.exitErr)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-timer.C:
		}
	}
}

// Pid returns the process ID, which is also its process group ID.
func (p *Process) Pid() int {
	return p.pid
}

// SocketPath returns the control socket path.
func (p *Process) SocketPath() string {
	return p.socketPath
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate asks the process group to exit with SIGTERM, waits up to grace,
// then sends SIGKILL and waits up to killWait. The socket is removed in every
// case. Calling Terminate again after it returned is a no-op.
func (p *Process) Terminate(ctx context.Context, grace, killWait time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	p.released = true
	defer p.removeSocket(ctx)

	return p.stop(ctx, grace, killWait)
}

// Kill sends SIGKILL to the process group without a grace period.
func (p *Process) Kill(ctx context.Context) error {
	return p.Terminate(ctx, 0, DefaultKillWait)
}

func (p *Process) stop(ctx context.Context, grace, killWait time.Duration) error {
	log := logger.FromContext(ctx).With("pid", p.pid)

	if !p.Alive() {
		p.metrics.recordTermination(ctx, "exited")
		return nil
	}

	if grace > 0 {
		if err := p.signalGroup(unix.SIGTERM); err != nil {
			log.WarnContext(ctx, "failed to send SIGTERM", "error", err)
		}
		if p.waitExit(grace) {
			log.DebugContext(ctx, "hypervisor exited after SIGTERM")
			p.metrics.recordTermination(ctx, "sigterm")
			return nil
		}
		log.WarnContext(ctx, "hypervisor ignored SIGTERM, sending SIGKILL", "grace", grace)
	}

	if err := p.signalGroup(unix.SIGKILL); err != nil {
		log.WarnContext(ctx, "failed to send SIGKILL", "error", err)
	}
	if p.waitExit(killWait) {
		p.metrics.recordTermination(ctx, "sigkill")
		return nil
	}

	p.metrics.recordTermination(ctx, "timeout")
	return fmt.Errorf("%w: pid %d still running %s after SIGKILL", ErrKillTimeout, p.pid, killWait)
}

func (p *Process) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) removeSocket(ctx context.Context) {
	if err := os.Remove(p.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.FromContext(ctx).WarnContext(ctx, "failed to remove socket", "socket", p.socketPath, "error", err)
	}
}

// SocketInUse reports whether something accepts connections on path.
func SocketInUse(path string) bool {
	conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func socketExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}
