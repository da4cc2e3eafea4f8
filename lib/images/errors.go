package images

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpec           = errors.New("invalid build spec")
	ErrRecipeNotFound        = errors.New("build recipe not found")
	ErrBuildFailed           = errors.New("container build failed")
	ErrMissingInitEntrypoint = errors.New("filesystem has no top-level init")
	ErrImageBuildFailed      = errors.New("disk image build failed")
)

// Step names a stage of disk image formatting.
type Step string

const (
	StepAllocate          Step = "allocate"
	StepMkfs              Step = "mkfs"
	StepMount             Step = "mount"
	StepExtract           Step = "extract"
	StepUnmount           Step = "unmount"
	StepCleanupMountpoint Step = "cleanup-mountpoint"
	StepChown             Step = "chown"
)

// ImageBuildError reports which formatting step failed. It matches
// ErrImageBuildFailed with errors.Is.
type ImageBuildError struct {
	Step Step
	Err  error
}

func (e *ImageBuildError) Error() string {
	return fmt.Sprintf("disk image build failed at %s: %v", e.Step, e.Err)
}

func (e *ImageBuildError) Unwrap() []error {
	return []error{ErrImageBuildFailed, e.Err}
}

func stepError(step Step, err error) error {
	return &ImageBuildError{Step: step, Err: err}
}

// FailedStep extracts the failing step from an error chain, if any.
func FailedStep(err error) (Step, bool) {
	var ibe *ImageBuildError
	if errors.As(err, &ibe) {
		return ibe.Step, true
	}
	return "", false
}
