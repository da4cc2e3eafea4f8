package instances

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/paths"
	"github.com/onkernel/fcterm/lib/vmm"
)

// ReapStale removes control sockets left in the socket directory by
// hypervisors that are no longer running. Sockets that still accept
// connections are left alone. It returns the IDs whose sockets were removed.
func (c *Controller) ReapStale(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx)
	dir := c.cfg.Paths.SocketDir()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read socket dir: %w", err)
	}

	var reaped []string
	var errs []error
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		id, ok := paths.InstanceIDFromSocket(path)
		if !ok || e.IsDir() {
			continue
		}
		if vmm.SocketInUse(path) {
			log.DebugContext(ctx, "socket in use, keeping", "socket", path)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		log.InfoContext(ctx, "removed stale socket", logger.InstanceKey, id, "socket", path)
		reaped = append(reaped, id)
	}
	return reaped, errors.Join(errs...)
}
