package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// InstanceKey is the attribute that routes a record to a per-instance file.
const InstanceKey = "instance_id"

// InstanceLogHandler wraps an slog.Handler and additionally appends records
// carrying an instance_id attribute to that instance's fcterm.log, next to
// the hypervisor's own console log.
type InstanceLogHandler struct {
	slog.Handler
	logPathFunc func(id string) string
	preAttrs    []slog.Attr // attrs bound via WithAttrs, searched for instance_id
}

// NewInstanceLogHandler wraps handler. logPathFunc maps an instance ID to its
// log file; an empty result disables mirroring for that ID.
func NewInstanceLogHandler(wrapped slog.Handler, logPathFunc func(id string) string) *InstanceLogHandler {
	return &InstanceLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
	}
}

func (h *InstanceLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var instanceID string
	for _, a := range h.preAttrs {
		if a.Key == InstanceKey {
			instanceID = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == InstanceKey {
			instanceID = a.Value.String()
			return false
		}
		return true
	})

	if instanceID != "" {
		h.writeToInstanceLog(instanceID, r)
	}
	return nil
}

// writeToInstanceLog appends one line per record. The file is opened per
// write so a terminated instance never pins a descriptor.
func (h *InstanceLogHandler) writeToInstanceLog(instanceID string, r slog.Record) {
	logPath := h.logPathFunc(instanceID)
	if logPath == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	for _, a := range h.preAttrs {
		if a.Key != InstanceKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != InstanceKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	})
	b.WriteByte('\n')

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		// Package-level slog, not this handler, to avoid recursion.
		slog.Warn("failed to create instance log directory", "path", dir, "error", err)
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open instance log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		slog.Warn("failed to write instance log file", "path", logPath, "error", err)
	}
}

func (h *InstanceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)

	return &InstanceLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    pre,
	}
}

// WithGroup keeps instance_id lookup on top-level attrs only.
func (h *InstanceLogHandler) WithGroup(name string) slog.Handler {
	return &InstanceLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
