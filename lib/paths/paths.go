// Package paths provides centralized path construction for the fcterm data
// directory.
//
// Layout:
//
//	{dataDir}/
//	  images/{name}.img
//	  instances/{id}/
//	    logs/vmm.log      hypervisor stdout/stderr (guest console)
//	    logs/fcterm.log   controller records for this instance
//	  mnt/                temporary mount points for image builds
//	{socketDir}/fc-{id}.sock
package paths

import (
	"path/filepath"
	"strings"
)

// SocketPrefix and SocketSuffix bracket the instance ID in control socket names.
const (
	SocketPrefix = "fc-"
	SocketSuffix = ".sock"
)

// Paths provides typed path construction for the data directory.
type Paths struct {
	dataDir   string
	socketDir string
}

// New creates a Paths. Control sockets live in socketDir, which is kept
// separate so it can sit on a short tmpfs path (sun_path is 108 bytes).
func New(dataDir, socketDir string) *Paths {
	if socketDir == "" {
		socketDir = filepath.Join(dataDir, "run")
	}
	return &Paths{dataDir: dataDir, socketDir: socketDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// ImagesDir returns the directory for built disk images.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}

// Image returns the default location of a named disk image.
func (p *Paths) Image(name string) string {
	return filepath.Join(p.ImagesDir(), name+".img")
}

// MountDir returns the parent of temporary image build mount points.
func (p *Paths) MountDir() string {
	return filepath.Join(p.dataDir, "mnt")
}

// InstancesDir returns the parent of all instance directories.
func (p *Paths) InstancesDir() string {
	return filepath.Join(p.dataDir, "instances")
}

// InstanceDir returns the directory for an instance.
func (p *Paths) InstanceDir(id string) string {
	return filepath.Join(p.InstancesDir(), id)
}

// InstanceLogs returns the logs directory for an instance.
func (p *Paths) InstanceLogs(id string) string {
	return filepath.Join(p.InstanceDir(id), "logs")
}

// InstanceVMMLog returns the hypervisor output log for an instance.
func (p *Paths) InstanceVMMLog(id string) string {
	return filepath.Join(p.InstanceLogs(id), "vmm.log")
}

// InstanceControllerLog returns the per-instance controller log.
func (p *Paths) InstanceControllerLog(id string) string {
	return filepath.Join(p.InstanceLogs(id), "fcterm.log")
}

// SocketDir returns the directory holding control sockets.
func (p *Paths) SocketDir() string {
	return p.socketDir
}

// InstanceSocket returns the control socket path for an instance.
func (p *Paths) InstanceSocket(id string) string {
	return filepath.Join(p.socketDir, SocketPrefix+id+SocketSuffix)
}

// InstanceIDFromSocket recovers the instance ID from a socket path created by
// InstanceSocket.
func InstanceIDFromSocket(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, SocketPrefix) || !strings.HasSuffix(base, SocketSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, SocketPrefix), SocketSuffix)
	return id, id != ""
}
