package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/vmm"
	"go.opentelemetry.io/otel/attribute"
)

// Terminate stops the hypervisor from any state: SIGTERM to its process
// group, a grace period, then SIGKILL. The control socket is removed and the
// instance ends Terminated even when the process could not be confirmed dead,
// in which case ErrTerminationTimeout is returned. Terminating twice is a
// no-op, as is terminating an instance that was never spawned.
func (i *Instance) Terminate(ctx context.Context) (err error) {
	// Cleanup must finish even if the caller is going away.
	ctx = i.logContext(context.WithoutCancel(ctx))
	log := logger.FromContext(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.current()
	if from == StateTerminated {
		return nil
	}

	start := time.Now()
	ctx, span := i.metrics.startSpan(ctx, "instances.Terminate",
		attribute.String("instance_id", i.id),
		attribute.String("from", string(from)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		i.metrics.recordDuration(ctx, terminateHist, start, err)
	}()

	if i.proc != nil {
		log.InfoContext(ctx, "terminating instance", "pid", i.proc.Pid(), "state", from)
		if perr := i.proc.Terminate(ctx, i.cfg.ShutdownGrace, i.cfg.KillWait); perr != nil {
			if errors.Is(perr, vmm.ErrKillTimeout) {
				err = fmt.Errorf("%w: %w", ErrTerminationTimeout, perr)
			} else {
				err = perr
			}
			log.ErrorContext(ctx, "hypervisor did not exit cleanly", "error", perr)
		}
	}
	i.removeSocket(ctx)

	if terr := i.transition(ctx, StateTerminated); terr != nil {
		// Every live state may terminate; this only fires on a corrupted state.
		return errors.Join(err, terr)
	}
	log.InfoContext(ctx, "instance terminated", "duration", time.Since(start))
	return err
}
