package network

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sysctl reads and writes kernel parameters by dotted name.
type Sysctl interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

const ipForwardKey = "net.ipv4.ip_forward"

type procSysctl struct {
	root string
}

// NewProcSysctl returns a Sysctl backed by /proc/sys.
func NewProcSysctl() Sysctl {
	return &procSysctl{root: "/proc/sys"}
}

func (p *procSysctl) path(key string) string {
	return filepath.Join(p.root, strings.ReplaceAll(key, ".", "/"))
}

func (p *procSysctl) Get(key string) (string, error) {
	data, err := os.ReadFile(p.path(key))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *procSysctl) Set(key, value string) error {
	if err := os.WriteFile(p.path(key), []byte(value+"\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
