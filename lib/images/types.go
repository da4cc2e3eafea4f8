package images

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	units "github.com/docker/go-units"
)

const (
	// DefaultImageSize is the size of a freshly formatted root disk (5G).
	DefaultImageSize int64 = 5 * units.GB

	// DefaultTag names the intermediate container image.
	DefaultTag = "fcterm-rootfs:latest"

	// DefaultRecipe is the build recipe looked up in the working directory.
	DefaultRecipe = "Dockerfile"
)

// BuildSpec describes one image build. It is immutable for the duration of a
// build run.
type BuildSpec struct {
	// Recipe is the path to the container build recipe (a Dockerfile).
	Recipe string
	// WorkDir is the build context directory. Defaults to the recipe's directory.
	WorkDir string
	// Output is the path of the disk image to produce.
	Output string
	// SizeBytes is the exact apparent size of the disk image.
	SizeBytes int64
	// Tag names the intermediate container image.
	Tag string
	// VerifyInit rejects filesystems without a top-level init before formatting.
	VerifyInit bool
	// KeepArchive leaves the exported filesystem archive next to the output.
	KeepArchive bool
}

// ExportedFilesystem is a container filesystem archive on the host.
type ExportedFilesystem struct {
	Path      string
	Tag       string
	SizeBytes int64
}

// DiskImage is a formatted, populated raw ext4 image.
type DiskImage struct {
	Path      string
	SizeBytes int64
	HasInit   bool
}

// ParseSize parses a human size such as "5G" or "512M". Units are decimal,
// so "5G" is 5,000,000,000 bytes.
func ParseSize(s string) (int64, error) {
	size, err := units.FromHumanSize(s)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %v", ErrInvalidSpec, s, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: size %q must be positive", ErrInvalidSpec, s)
	}
	return size, nil
}

// Validate checks the build spec for obvious mistakes. It does not touch the
// filesystem; a missing recipe is reported by the exporter.
func (s *BuildSpec) Validate() error {
	if s.Recipe == "" {
		return fmt.Errorf("%w: recipe is required", ErrInvalidSpec)
	}
	if s.Output == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidSpec)
	}
	if s.SizeBytes <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrInvalidSpec)
	}
	if _, err := reference.ParseNormalizedNamed(s.Tag); err != nil {
		return fmt.Errorf("%w: tag %q: %v", ErrInvalidSpec, s.Tag, err)
	}
	return nil
}

// NormalizedTag returns the fully-qualified form of the image tag.
func (s *BuildSpec) NormalizedTag() string {
	named, err := reference.ParseNormalizedNamed(s.Tag)
	if err != nil {
		return s.Tag
	}
	return reference.TagNameOnly(named).String()
}

// ContextDir is the build context the recipe is evaluated in.
func (s *BuildSpec) ContextDir() string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	return filepath.Dir(s.Recipe)
}

// ArchivePath is where the exported filesystem is written, derived from the
// output path so repeated builds reuse the same location.
func (s *BuildSpec) ArchivePath() string {
	base := strings.TrimSuffix(s.Output, filepath.Ext(s.Output))
	return base + ".rootfs.tar"
}
