package images

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// isTopLevelInit reports whether a tar entry name refers to /init.
func isTopLevelInit(name string) bool {
	return path.Clean("/"+strings.TrimPrefix(name, "./")) == "/init"
}

// initEntryUsable reports whether the header could serve as the kernel's
// init. Links are accepted as-is since their targets resolve inside the guest.
func initEntryUsable(hdr *tar.Header) bool {
	switch hdr.Typeflag {
	case tar.TypeReg:
		return hdr.Mode&0111 != 0
	case tar.TypeSymlink, tar.TypeLink:
		return true
	default:
		return false
	}
}

// CheckInit scans a filesystem archive for a usable top-level init without
// extracting it. Returns ErrMissingInitEntrypoint when none is found.
func CheckInit(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return ErrMissingInitEntrypoint
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if isTopLevelInit(hdr.Name) && initEntryUsable(hdr) {
			return nil
		}
	}
}

// VerifyInit opens the archive at archivePath and runs CheckInit on it.
func VerifyInit(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return CheckInit(f)
}
