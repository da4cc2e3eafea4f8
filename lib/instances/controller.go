package instances

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/vmm"
	"go.opentelemetry.io/otel/attribute"
)

// Controller spawns and owns microVM instances. It holds no per-instance
// state, so one Controller can serve many concurrent instances.
type Controller struct {
	cfg        Config
	metrics    *Metrics
	vmmMetrics *vmm.Metrics
}

// NewController creates a controller. metrics and vmmMetrics may be nil.
func NewController(cfg Config, metrics *Metrics, vmmMetrics *vmm.Metrics) (*Controller, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: firecracker binary not set", ErrInvalidConfig)
	}
	if cfg.Paths == nil {
		return nil, fmt.Errorf("%w: paths not set", ErrInvalidConfig)
	}
	cfg.defaults()
	return &Controller{cfg: cfg, metrics: metrics, vmmMetrics: vmmMetrics}, nil
}

// Spawn starts a hypervisor process and waits for its control socket. The
// returned instance is Unconfigured. On failure no process or socket is left
// behind.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (_ *Instance, err error) {
	start := time.Now()

	id := req.ID
	if id == "" {
		id = cuid2.Generate()
	}
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid instance id %q", ErrProcessSpawnFailed, id)
	}
	socketPath := req.SocketPath
	if socketPath == "" {
		socketPath = c.cfg.Paths.InstanceSocket(id)
	}

	log := logger.FromContext(ctx).With(logger.InstanceKey, id)
	ctx = logger.AddToContext(ctx, log)

	ctx, span := c.metrics.startSpan(ctx, "instances.Spawn",
		attribute.String("instance_id", id),
		attribute.String("socket", socketPath))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		c.metrics.recordDuration(ctx, spawnHist, start, err)
	}()

	log.InfoContext(ctx, "spawning hypervisor", "socket", socketPath, "binary", c.cfg.Binary)

	proc, err := vmm.StartProcess(ctx, vmm.ProcessConfig{
		Binary:            c.cfg.Binary,
		SocketPath:        socketPath,
		ID:                id,
		LogPath:           c.cfg.Paths.InstanceVMMLog(id),
		ReadyPollInterval: c.cfg.ReadyPollInterval,
		ReadyPollAttempts: c.cfg.ReadyPollAttempts,
	}, c.vmmMetrics)
	if err != nil {
		log.ErrorContext(ctx, "hypervisor spawn failed", "error", err)
		if errors.Is(err, vmm.ErrNotReady) {
			return nil, fmt.Errorf("%w: %w", ErrControllerNotReady, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrProcessSpawnFailed, err)
	}

	log.InfoContext(ctx, "hypervisor ready", "pid", proc.Pid(), "ready_in", time.Since(start))

	return &Instance{
		id:         id,
		socketPath: socketPath,
		createdAt:  start,
		proc:       proc,
		client:     vmm.NewClient(socketPath, c.cfg.APITimeout, c.vmmMetrics),
		cfg:        c.cfg,
		metrics:    c.metrics,
		state:      StateUnconfigured,
	}, nil
}

// validID keeps IDs usable as a path component.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 64 {
		return false
	}
	return !strings.ContainsAny(id, "/\x00")
}

// ID returns the instance ID.
func (i *Instance) ID() string {
	return i.id
}

// SocketPath returns the control socket path.
func (i *Instance) SocketPath() string {
	return i.socketPath
}

// Exited is closed when the hypervisor process exits. It is nil for an
// instance that was never spawned.
func (i *Instance) Exited() <-chan struct{} {
	if i.proc == nil {
		return nil
	}
	return i.proc.Done()
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current()
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := Info{
		ID:         i.id,
		SocketPath: i.socketPath,
		State:      i.current(),
		CreatedAt:  i.createdAt,
	}
	if i.proc != nil {
		info.PID = i.proc.Pid()
		info.Alive = i.proc.Alive() && info.State.RequiresVMM()
	}
	if info.Alive {
		info.Uptime = time.Since(i.createdAt)
	}
	return info
}

// current treats the zero Instance as Unconfigured. Callers hold i.mu.
func (i *Instance) current() State {
	if i.state == "" {
		return StateUnconfigured
	}
	return i.state
}

// transition moves to target if the state machine allows it. Callers hold i.mu.
func (i *Instance) transition(ctx context.Context, target State) error {
	from := i.current()
	if err := from.CanTransitionTo(target); err != nil {
		return err
	}
	i.state = target
	i.metrics.recordStateTransition(ctx, from, target)
	logger.FromContext(ctx).DebugContext(ctx, "instance state changed", "from", from, "to", target)
	return nil
}

func (i *Instance) logContext(ctx context.Context) context.Context {
	return logger.AddToContext(ctx, logger.FromContext(ctx).With(logger.InstanceKey, i.id))
}

// removeSocket unlinks the control socket, tolerating absence.
func (i *Instance) removeSocket(ctx context.Context) {
	if i.socketPath == "" {
		return
	}
	if err := os.Remove(i.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.FromContext(ctx).WarnContext(ctx, "failed to remove socket", "socket", i.socketPath, "error", err)
	}
}
