package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/onkernel/fcterm/lib/logger"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// ExtractFunc unpacks the archive at archivePath into a mounted directory.
type ExtractFunc func(ctx context.Context, archivePath, destDir string) error

// OwnerFunc returns the uid/gid the finished image should belong to. ok is
// false when ownership should be left as is.
type OwnerFunc func() (uid, gid int, ok bool)

// Formatter turns an exported filesystem archive into a raw ext4 disk image.
type Formatter struct {
	runner   CommandRunner
	extract  ExtractFunc
	owner    OwnerFunc
	mountDir string
	metrics  *Metrics
}

// FormatterOption configures a Formatter.
type FormatterOption func(*Formatter)

// WithRunner overrides how host tools (mkfs, mount, umount, tar) are run.
func WithRunner(r CommandRunner) FormatterOption {
	return func(f *Formatter) { f.runner = r }
}

// WithExtractor overrides how the archive is unpacked into the mount point.
func WithExtractor(fn ExtractFunc) FormatterOption {
	return func(f *Formatter) { f.extract = fn }
}

// WithOwner overrides who receives ownership of the finished image.
func WithOwner(fn OwnerFunc) FormatterOption {
	return func(f *Formatter) { f.owner = fn }
}

// WithMountDir sets the parent directory for temporary mount points.
func WithMountDir(dir string) FormatterOption {
	return func(f *Formatter) { f.mountDir = dir }
}

// WithFormatterMetrics records per-step durations and failures.
func WithFormatterMetrics(m *Metrics) FormatterOption {
	return func(f *Formatter) { f.metrics = m }
}

// NewFormatter creates a formatter that shells out to the host tools,
// elevating with sudo when not already root.
func NewFormatter(opts ...FormatterOption) *Formatter {
	f := &Formatter{
		runner: NewExecRunner(true),
		owner:  InvokingUser,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InvokingUser resolves the user behind sudo. Outside sudo the image already
// belongs to the caller, so ok is false.
func InvokingUser() (int, int, bool) {
	if os.Geteuid() != 0 {
		return 0, 0, false
	}
	uid, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return 0, 0, false
	}
	gid, err := strconv.Atoi(os.Getenv("SUDO_GID"))
	if err != nil {
		gid = uid
	}
	return uid, gid, true
}

// Format allocates target as a sparse file of exactly sizeBytes, creates an
// ext4 filesystem on it, and populates it from archivePath.
//
// The mount point is always unmounted and removed once mounted, even when
// extraction fails. On any failure the partially written image is removed.
func (f *Formatter) Format(ctx context.Context, target string, sizeBytes int64, archivePath string) (*DiskImage, error) {
	log := logger.FromContext(ctx)

	removeImage := cleanup.Make(func() {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			log.WarnContext(ctx, "failed to remove partial disk image", "path", target, "error", err)
		}
	})
	defer removeImage.Clean()

	if err := f.step(ctx, StepAllocate, func() error {
		return allocateSparse(target, sizeBytes)
	}); err != nil {
		return nil, err
	}

	if err := f.step(ctx, StepMkfs, func() error {
		return f.runner.Run(ctx, "mkfs.ext4", "-F", "-q", "-L", "rootfs", target)
	}); err != nil {
		return nil, err
	}

	var mountPoint string
	if err := f.step(ctx, StepMount, func() error {
		if f.mountDir != "" {
			if err := os.MkdirAll(f.mountDir, 0755); err != nil {
				return fmt.Errorf("create mount dir: %w", err)
			}
		}
		dir, err := os.MkdirTemp(f.mountDir, "fcterm-mnt-")
		if err != nil {
			return fmt.Errorf("create mount point: %w", err)
		}
		if err := f.runner.Run(ctx, "mount", "-o", "loop", target, dir); err != nil {
			os.Remove(dir)
			return err
		}
		mountPoint = dir
		return nil
	}); err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "mounted disk image", "path", target, "mount_point", mountPoint)

	var hasInit bool
	extractErr := f.step(ctx, StepExtract, func() error {
		if err := f.extractInto(ctx, archivePath, mountPoint); err != nil {
			return err
		}
		_, err := os.Lstat(filepath.Join(mountPoint, "init"))
		hasInit = err == nil
		return nil
	})

	// Release the mount even if the build was cancelled.
	releaseCtx := context.WithoutCancel(ctx)
	unmountErr := f.step(releaseCtx, StepUnmount, func() error {
		return f.unmount(releaseCtx, mountPoint)
	})
	var cleanupErr error
	if unmountErr == nil {
		cleanupErr = f.step(releaseCtx, StepCleanupMountpoint, func() error {
			return os.Remove(mountPoint)
		})
	}

	switch {
	case extractErr != nil:
		if unmountErr != nil {
			log.ErrorContext(ctx, "mount point left behind after failed extraction",
				"mount_point", mountPoint, "error", unmountErr)
		}
		return nil, extractErr
	case unmountErr != nil:
		return nil, unmountErr
	case cleanupErr != nil:
		return nil, cleanupErr
	}

	if uid, gid, ok := f.owner(); ok {
		if err := f.step(ctx, StepChown, func() error {
			return os.Chown(target, uid, gid)
		}); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, stepError(StepAllocate, fmt.Errorf("stat image: %w", err))
	}

	removeImage.Release()
	return &DiskImage{Path: target, SizeBytes: info.Size(), HasInit: hasInit}, nil
}

// step runs fn and tags its error with the step name.
func (f *Formatter) step(ctx context.Context, step Step, fn func() error) error {
	start := time.Now()
	err := fn()
	f.metrics.recordStep(ctx, step, start, err)
	if err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "disk image step failed", "step", step, "error", err)
		return stepError(step, err)
	}
	return nil
}

func (f *Formatter) extractInto(ctx context.Context, archivePath, mountPoint string) error {
	if f.extract != nil {
		return f.extract(ctx, archivePath, mountPoint)
	}
	if os.Geteuid() != 0 {
		// The mounted filesystem is root-owned; let tar run elevated.
		return f.runner.Run(ctx, "tar", "--numeric-owner", "-xpf", archivePath, "-C", mountPoint)
	}
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()
	_, err = ExtractArchive(ctx, file, mountPoint, ExtractOptions{PreserveOwner: true, CreateDevices: true})
	return err
}

func (f *Formatter) unmount(ctx context.Context, mountPoint string) error {
	err := f.runner.Run(ctx, "umount", mountPoint)
	if err == nil {
		return nil
	}
	if lazyErr := f.runner.Run(ctx, "umount", "-l", mountPoint); lazyErr != nil {
		return fmt.Errorf("%w (lazy unmount: %v)", err, lazyErr)
	}
	return nil
}

// allocateSparse creates path with an apparent size of exactly sizeBytes
// without writing data blocks.
func allocateSparse(path string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("invalid size %d", sizeBytes)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("truncate image file: %w", err)
	}
	return nil
}
