package images

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner runs host tools. It exists so the formatter's step order can
// be exercised without root.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct {
	sudo bool
}

// NewExecRunner returns a runner that executes commands on the host. When the
// process is not root and sudo is true, commands are prefixed with sudo.
func NewExecRunner(sudo bool) CommandRunner {
	return &execRunner{sudo: sudo && os.Geteuid() != 0}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) error {
	tool := name
	if r.sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", tool, err, bytes.TrimSpace(output))
	}
	return nil
}
