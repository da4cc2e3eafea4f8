package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/nrednav/cuid2"
	"github.com/onkernel/fcterm/lib/logger"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// ContainerEngine is the subset of a container runtime the exporter needs.
type ContainerEngine interface {
	// Build builds the recipe in contextDir and tags the result.
	Build(ctx context.Context, contextDir, recipe, tag string) error
	// Create creates (never starts) a container from image and returns its ID.
	Create(ctx context.Context, image, name string) (string, error)
	// Export streams the container's filesystem as a tar archive.
	Export(ctx context.Context, id string) (io.ReadCloser, error)
	// Remove force-removes the container.
	Remove(ctx context.Context, id string) error
}

// DockerExporter builds a recipe with a container engine and exports the
// resulting filesystem as a tar archive.
type DockerExporter struct {
	engine ContainerEngine
}

// NewDockerExporter creates an exporter on top of engine.
func NewDockerExporter(engine ContainerEngine) *DockerExporter {
	return &DockerExporter{engine: engine}
}

// Export builds spec.Recipe, instantiates the image in a container that is
// never started, and writes its filesystem to spec.ArchivePath(). The
// temporary container is always removed.
func (e *DockerExporter) Export(ctx context.Context, spec *BuildSpec) (*ExportedFilesystem, error) {
	log := logger.FromContext(ctx)

	if _, err := os.Stat(spec.Recipe); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, spec.Recipe)
		}
		return nil, fmt.Errorf("stat recipe: %w", err)
	}

	tag := spec.NormalizedTag()
	log.InfoContext(ctx, "building container image", "recipe", spec.Recipe, "tag", tag)
	if err := e.engine.Build(ctx, spec.ContextDir(), spec.Recipe, tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	name := fmt.Sprintf("fcterm-export-%d-%s", time.Now().UnixNano(), cuid2.Generate())
	id, err := e.engine.Create(ctx, tag, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if err := e.engine.Remove(context.WithoutCancel(ctx), id); err != nil {
			log.WarnContext(ctx, "failed to remove export container", "container", name, "error", err)
		}
	}()

	archivePath := spec.ArchivePath()
	partial := archivePath + ".partial"
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	cu := cleanup.Make(func() { os.Remove(partial) })
	defer cu.Clean()

	stream, err := e.engine.Export(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("export container: %w", err)
	}
	defer stream.Close()

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	n, err := io.Copy(out, stream)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	if err := os.Rename(partial, archivePath); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	cu.Release()

	log.InfoContext(ctx, "exported container filesystem", "archive", archivePath, "bytes", n)
	return &ExportedFilesystem{Path: archivePath, Tag: tag, SizeBytes: n}, nil
}

// DockerEngine implements ContainerEngine against a Docker daemon.
type DockerEngine struct {
	cli      *client.Client
	progress io.Writer
}

// NewDockerEngine connects to the daemon described by the DOCKER_* environment.
// Build output is streamed to progress when it is non-nil.
func NewDockerEngine(progress io.Writer) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if progress == nil {
		progress = io.Discard
	}
	return &DockerEngine{cli: cli, progress: progress}, nil
}

// Close closes the Docker client
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

func (d *DockerEngine) Build(ctx context.Context, contextDir, recipe, tag string) error {
	absContext, err := filepath.Abs(contextDir)
	if err != nil {
		return fmt.Errorf("resolve build context: %w", err)
	}
	absRecipe, err := filepath.Abs(recipe)
	if err != nil {
		return fmt.Errorf("resolve recipe: %w", err)
	}
	dockerfile, err := filepath.Rel(absContext, absRecipe)
	if err != nil || strings.HasPrefix(dockerfile, "..") {
		return fmt.Errorf("recipe %s is outside build context %s", recipe, contextDir)
	}

	buildContext, err := archive.TarWithOptions(absContext, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := d.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Dockerfile:  filepath.ToSlash(dockerfile),
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("start build: %w", err)
	}
	defer resp.Body.Close()

	// The daemon reports build failures inside the message stream, not via
	// the HTTP status.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, d.progress, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return fmt.Errorf("build step failed: %s", jerr.Message)
		}
		return fmt.Errorf("read build output: %w", err)
	}
	return nil
}

func (d *DockerEngine) Create(ctx context.Context, image, name string) (string, error) {
	// Creating a container does not run it. Cmd is only set so images
	// without a default command can still be instantiated.
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"/init"},
	}, nil, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *DockerEngine) Export(ctx context.Context, id string) (io.ReadCloser, error) {
	return d.cli.ContainerExport(ctx, id)
}

func (d *DockerEngine) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
