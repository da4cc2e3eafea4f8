package images

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// ErrInvalidArchivePath is returned when a tar entry has a path that would
// land outside the extraction root.
var ErrInvalidArchivePath = errors.New("invalid archive path")

// validateArchivePath rejects entry names that climb out of the root. Leading
// slashes are tolerated because exported root filesystems are guest-absolute.
func validateArchivePath(name string) error {
	cleaned := filepath.Clean("/" + name)
	if cleaned == "/" {
		return nil
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("%w: path traversal in %q", ErrInvalidArchivePath, name)
		}
	}
	return nil
}

// ExtractOptions controls how much host metadata extraction restores.
type ExtractOptions struct {
	// PreserveOwner applies uid/gid from the archive. Requires CAP_CHOWN.
	PreserveOwner bool
	// CreateDevices creates char/block device nodes. Requires CAP_MKNOD.
	CreateDevices bool
}

// ExtractArchive unpacks the tar stream r into destDir.
//
// Every entry is resolved with securejoin against destDir, so symlinks inside
// the archive (absolute ones included, as a root filesystem has many) are
// interpreted relative to destDir and can never redirect a write onto the
// host. Regular files are opened with O_NOFOLLOW.
func ExtractArchive(ctx context.Context, r io.Reader, destDir string, opts ExtractOptions) (int64, error) {
	tr := tar.NewReader(r)

	type dirMeta struct {
		path string
		hdr  *tar.Header
	}
	var dirs []dirMeta
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read tar header: %w", err)
		}

		if err := validateArchivePath(hdr.Name); err != nil {
			return written, err
		}
		if filepath.Clean("/"+hdr.Name) == "/" {
			continue
		}

		target, err := securejoin.SecureJoin(destDir, hdr.Name)
		if err != nil {
			return written, fmt.Errorf("%w: %v", ErrInvalidArchivePath, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return written, fmt.Errorf("create parent dir for %s: %w", hdr.Name, err)
		}

		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
			// Modes and times are applied after all children are written.
			dirs = append(dirs, dirMeta{path: target, hdr: hdr})
			continue

		case tar.TypeReg:
			// Replace whatever is there, including a symlink.
			_ = os.Remove(target)
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|unix.O_NOFOLLOW, mode)
			if err != nil {
				return written, fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			n, err := io.Copy(f, tr)
			f.Close()
			written += n
			if err != nil {
				return written, fmt.Errorf("write file %s: %w", hdr.Name, err)
			}

		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return written, fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}

		case tar.TypeLink:
			if err := validateArchivePath(hdr.Linkname); err != nil {
				return written, err
			}
			linkTarget, err := securejoin.SecureJoin(destDir, hdr.Linkname)
			if err != nil {
				return written, fmt.Errorf("%w: hardlink target unsafe: %v", ErrInvalidArchivePath, err)
			}
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return written, fmt.Errorf("create hardlink %s: %w", hdr.Name, err)
			}

		case tar.TypeChar, tar.TypeBlock:
			if !opts.CreateDevices {
				continue
			}
			devType := uint32(unix.S_IFCHR)
			if hdr.Typeflag == tar.TypeBlock {
				devType = unix.S_IFBLK
			}
			_ = os.Remove(target)
			dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
			if err := unix.Mknod(target, devType|uint32(mode), int(dev)); err != nil {
				return written, fmt.Errorf("create device %s: %w", hdr.Name, err)
			}

		case tar.TypeFifo:
			_ = os.Remove(target)
			if err := unix.Mkfifo(target, uint32(mode)); err != nil {
				return written, fmt.Errorf("create fifo %s: %w", hdr.Name, err)
			}

		default:
			continue
		}

		if err := applyMetadata(target, hdr, opts); err != nil {
			return written, err
		}
	}

	// Deepest first so a read-only parent does not block its children.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := applyMetadata(dirs[i].path, dirs[i].hdr, opts); err != nil {
			return written, err
		}
	}

	return written, nil
}

func applyMetadata(path string, hdr *tar.Header, opts ExtractOptions) error {
	// A hardlink shares the inode its target already configured.
	if hdr.Typeflag == tar.TypeLink {
		return nil
	}

	if opts.PreserveOwner {
		if err := os.Lchown(path, hdr.Uid, hdr.Gid); err != nil {
			return fmt.Errorf("chown %s: %w", hdr.Name, err)
		}
	}

	if hdr.Typeflag == tar.TypeSymlink {
		return nil
	}

	// Chmod after chown, since chown clears setuid bits.
	if err := os.Chmod(path, fileModeFromHeader(hdr)); err != nil {
		return fmt.Errorf("chmod %s: %w", hdr.Name, err)
	}

	if !hdr.ModTime.IsZero() {
		ts := []unix.Timespec{
			unix.NsecToTimespec(hdr.AccessTime.UnixNano()),
			unix.NsecToTimespec(hdr.ModTime.UnixNano()),
		}
		if hdr.AccessTime.IsZero() {
			ts[0] = ts[1]
		}
		// Best effort, some filesystems refuse timestamps on special files.
		_ = unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
	}
	return nil
}

func fileModeFromHeader(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if hdr.Mode&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if hdr.Mode&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if hdr.Mode&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
