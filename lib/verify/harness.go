// Package verify runs end-to-end checks against the image pipeline, host
// networking and the microVM controller, and reports a result per step.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/onkernel/fcterm/lib/images"
	"github.com/onkernel/fcterm/lib/instances"
	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/network"
	"golang.org/x/sync/errgroup"
)

const (
	StepBuild     = "build"
	StepNetwork   = "network"
	StepDiskImage = "disk-image"
	StepBoot      = "boot"
)

// DefaultSettle is how long a booted guest must stay up to pass.
const DefaultSettle = 3 * time.Second

var (
	// ErrCheckFailed wraps every failed step returned by Failed.
	ErrCheckFailed = errors.New("verification failed")

	errSkipped = errors.New("skipped after earlier failure")
)

// StepResult is the outcome of one verification step.
type StepResult struct {
	Name     string
	OK       bool
	Skipped  bool
	Err      error
	Duration time.Duration
	Detail   string
}

// ImageBuilder builds a disk image from a recipe.
type ImageBuilder interface {
	Build(ctx context.Context, spec images.BuildSpec) (*images.DiskImage, error)
}

// NetworkProvisioner prepares host networking.
type NetworkProvisioner interface {
	Provision(ctx context.Context) (*network.Device, *network.Report, error)
}

// Harness runs verification steps.
type Harness struct {
	controller *instances.Controller
	runner     images.CommandRunner
	privileged bool
	settle     time.Duration
	mountDir   string
}

// Option configures a Harness.
type Option func(*Harness)

// WithRunner sets the runner used for loop-mounting images.
func WithRunner(r images.CommandRunner) Option {
	return func(h *Harness) { h.runner = r }
}

// WithPrivileged overrides root detection for the mount-based init check.
func WithPrivileged(p bool) Option {
	return func(h *Harness) { h.privileged = p }
}

// WithSettle sets how long a guest must stay up after start.
func WithSettle(d time.Duration) Option {
	return func(h *Harness) { h.settle = d }
}

// WithMountDir sets where temporary mount points are created.
func WithMountDir(dir string) Option {
	return func(h *Harness) { h.mountDir = dir }
}

// New creates a harness. controller may be nil if CheckBoot is never used.
func New(controller *instances.Controller, opts ...Option) *Harness {
	h := &Harness{
		controller: controller,
		runner:     images.NewExecRunner(false),
		privileged: os.Geteuid() == 0,
		settle:     DefaultSettle,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func run(ctx context.Context, name string, fn func() (string, error)) StepResult {
	log := logger.FromContext(ctx).With("step", name)
	start := time.Now()
	detail, err := fn()
	res := StepResult{
		Name:     name,
		OK:       err == nil,
		Err:      err,
		Duration: time.Since(start),
		Detail:   detail,
	}
	if err != nil {
		log.ErrorContext(ctx, "verification step failed", "error", err, "duration", res.Duration)
	} else {
		log.InfoContext(ctx, "verification step passed", "duration", res.Duration, "detail", detail)
	}
	return res
}

func skipped(name string) StepResult {
	return StepResult{Name: name, Skipped: true, Err: errSkipped}
}

// DiskCheck describes the image CheckDiskImage expects.
type DiskCheck struct {
	Path      string
	SizeBytes int64
	// Archive is the exported filesystem, used for the init check when the
	// image cannot be mounted. Optional.
	Archive string
}

// CheckDiskImage asserts the image exists with exactly the requested size
// and contains an init entrypoint. When privileged the image is loop-mounted
// read-only; otherwise the archive is inspected if one is given.
func (h *Harness) CheckDiskImage(ctx context.Context, c DiskCheck) StepResult {
	return run(ctx, StepDiskImage, func() (string, error) {
		info, err := os.Stat(c.Path)
		if err != nil {
			return "", fmt.Errorf("stat image: %w", err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%s is not a regular file", c.Path)
		}
		if info.Size() != c.SizeBytes {
			return "", fmt.Errorf("image size is %d bytes, want %d", info.Size(), c.SizeBytes)
		}
		size := humanize.Bytes(uint64(info.Size()))
		if rec, err := images.ReadRecord(c.Path); err == nil {
			size += " from " + rec.Tag
		}

		switch {
		case h.privileged && h.runner != nil:
			if err := h.checkMountedInit(ctx, c.Path); err != nil {
				return "", err
			}
			return size + ", init present", nil
		case c.Archive != "":
			if err := images.VerifyInit(c.Archive); err != nil {
				return "", err
			}
			return size + ", init present in archive", nil
		default:
			return size + ", init not checked", nil
		}
	})
}

func (h *Harness) checkMountedInit(ctx context.Context, image string) (err error) {
	if h.mountDir != "" {
		if err := os.MkdirAll(h.mountDir, 0755); err != nil {
			return fmt.Errorf("create mount dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(h.mountDir, "fcterm-verify-")
	if err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	defer os.Remove(dir)

	if err := h.runner.Run(ctx, "mount", "-o", "loop,ro", image, dir); err != nil {
		return fmt.Errorf("mount image: %w", err)
	}
	defer func() {
		if uerr := h.runner.Run(context.WithoutCancel(ctx), "umount", dir); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unmount image: %w", uerr))
		}
	}()

	info, err := os.Lstat(filepath.Join(dir, "init"))
	if errors.Is(err, os.ErrNotExist) {
		return images.ErrMissingInitEntrypoint
	}
	if err != nil {
		return fmt.Errorf("stat init: %w", err)
	}
	if info.Mode().IsRegular() && info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%w: init is not executable", images.ErrMissingInitEntrypoint)
	}
	return nil
}

// CheckBoot spawns, configures and starts a guest, confirms the hypervisor is
// still alive after the settle delay, then terminates it and confirms the
// control socket is gone.
func (h *Harness) CheckBoot(ctx context.Context, vm instances.VMConfig) StepResult {
	return run(ctx, StepBoot, func() (detail string, err error) {
		if h.controller == nil {
			return "", errors.New("no controller configured")
		}

		inst, err := h.controller.Spawn(ctx, instances.SpawnRequest{})
		if err != nil {
			return "", err
		}
		defer func() {
			if terr := inst.Terminate(ctx); terr != nil {
				err = errors.Join(err, terr)
			}
		}()

		configured, err := inst.Configure(ctx, vm)
		if err != nil {
			return "", err
		}
		if err := inst.Start(ctx, configured); err != nil {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(h.settle):
		}

		info := inst.Info()
		if !info.Alive {
			return "", fmt.Errorf("hypervisor exited within %s of start", h.settle)
		}

		if err := inst.Terminate(ctx); err != nil {
			return "", err
		}
		if _, err := os.Stat(inst.SocketPath()); !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("control socket %s still present after terminate", inst.SocketPath())
		}
		return fmt.Sprintf("instance %s up %s", info.ID, info.Uptime.Round(time.Millisecond)), nil
	})
}

// SmokeConfig drives a full end-to-end run.
type SmokeConfig struct {
	Build      images.BuildSpec
	KernelPath string
	VCPUs      int64
	MemoryMiB  int64
	// Network attaches the guest to the provisioned TAP device.
	Network   bool
	SessionID string
}

// Smoke builds the image and provisions networking concurrently, then
// checks the image and boots it. Steps after a failure are reported as
// skipped. The returned error is Failed(results).
func (h *Harness) Smoke(ctx context.Context, builder ImageBuilder, prov NetworkProvisioner, cfg SmokeConfig) ([]StepResult, error) {
	var (
		buildRes, netRes StepResult
		img              *images.DiskImage
		dev              *network.Device
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buildRes = run(gctx, StepBuild, func() (string, error) {
			var err error
			img, err = builder.Build(gctx, cfg.Build)
			if err != nil {
				return "", err
			}
			return img.Path, nil
		})
		return buildRes.Err
	})
	if cfg.Network {
		g.Go(func() error {
			netRes = run(gctx, StepNetwork, func() (string, error) {
				var (
					report *network.Report
					err    error
				)
				dev, report, err = prov.Provision(gctx)
				if err != nil {
					return "", err
				}
				if report.Changed() {
					return fmt.Sprintf("%s via %s (changed)", dev.Name, dev.Uplink), nil
				}
				return fmt.Sprintf("%s via %s (unchanged)", dev.Name, dev.Uplink), nil
			})
			return netRes.Err
		})
	} else {
		netRes = StepResult{Name: StepNetwork, OK: true, Skipped: true, Detail: "disabled"}
	}
	prereqErr := g.Wait()

	// A step cancelled by the other's failure is reported as skipped.
	for _, r := range []*StepResult{&buildRes, &netRes} {
		if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
			*r = skipped(r.Name)
		}
	}

	results := []StepResult{buildRes, netRes}
	if prereqErr != nil {
		results = append(results, skipped(StepDiskImage), skipped(StepBoot))
		return results, Failed(results)
	}

	check := DiskCheck{Path: img.Path, SizeBytes: cfg.Build.SizeBytes}
	if cfg.Build.KeepArchive {
		check.Archive = cfg.Build.ArchivePath()
	}
	diskRes := h.CheckDiskImage(ctx, check)
	results = append(results, diskRes)
	if !diskRes.OK {
		results = append(results, skipped(StepBoot))
		return results, Failed(results)
	}

	vm := instances.VMConfig{
		KernelPath: cfg.KernelPath,
		RootFSPath: img.Path,
		VCPUs:      cfg.VCPUs,
		MemoryMiB:  cfg.MemoryMiB,
	}
	if dev != nil {
		guest, err := dev.GuestFor(cfg.SessionID)
		if err != nil {
			results = append(results, StepResult{Name: StepBoot, Err: err})
			return results, Failed(results)
		}
		vm.Network = &instances.NetworkAttachment{TAPName: dev.Name, Guest: guest}
	}
	results = append(results, h.CheckBoot(ctx, vm))
	return results, Failed(results)
}

// Failed joins the errors of failed steps, or returns nil if none failed.
// Skipped steps are not failures.
func Failed(results []StepResult) error {
	var errs []error
	for _, r := range results {
		if !r.OK && !r.Skipped {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrCheckFailed, r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// WriteTable prints results as an aligned table.
func WriteTable(w io.Writer, results []StepResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tRESULT\tDURATION\tDETAIL")
	for _, r := range results {
		status := "PASS"
		detail := r.Detail
		switch {
		case r.Skipped:
			status = "SKIP"
		case !r.OK:
			status = "FAIL"
			detail = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, status, r.Duration.Round(time.Millisecond), detail)
	}
	return tw.Flush()
}
