package images

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/onkernel/fcterm/lib/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter produces a filesystem archive from a build spec.
type Exporter interface {
	Export(ctx context.Context, spec *BuildSpec) (*ExportedFilesystem, error)
}

// Builder runs the image pipeline: export, optional init verification, and
// formatting into a disk image.
type Builder struct {
	exporter  Exporter
	formatter *Formatter
	metrics   *Metrics
	tracer    trace.Tracer
}

// NewBuilder creates a pipeline. metrics and tracer may be nil.
func NewBuilder(exporter Exporter, formatter *Formatter, metrics *Metrics, tracer trace.Tracer) *Builder {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("images")
	}
	return &Builder{
		exporter:  exporter,
		formatter: formatter,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Build turns spec.Recipe into a bootable disk image at spec.Output.
//
// When spec.VerifyInit is set and the exported filesystem has no top-level
// init, Build returns ErrMissingInitEntrypoint before any image file exists.
func (b *Builder) Build(ctx context.Context, spec BuildSpec) (_ *DiskImage, err error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "images.Build", trace.WithAttributes(
		attribute.String("output", spec.Output),
		attribute.Int64("size_bytes", spec.SizeBytes),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		b.metrics.recordBuild(ctx, start, err)
	}()

	log := logger.FromContext(ctx).With("output", spec.Output)
	ctx = logger.AddToContext(ctx, log)

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	exported, err := b.exporter.Export(ctx, &spec)
	if err != nil {
		return nil, err
	}
	if !spec.KeepArchive {
		defer func() {
			if rmErr := os.Remove(exported.Path); rmErr != nil && !os.IsNotExist(rmErr) {
				log.WarnContext(ctx, "failed to remove filesystem archive", "archive", exported.Path, "error", rmErr)
			}
		}()
	}

	if spec.VerifyInit {
		if err := VerifyInit(exported.Path); err != nil {
			log.ErrorContext(ctx, "init verification failed", "archive", exported.Path, "error", err)
			return nil, fmt.Errorf("verify %s: %w", exported.Path, err)
		}
		log.DebugContext(ctx, "init entrypoint present", "archive", exported.Path)
	}

	img, err := b.formatter.Format(ctx, spec.Output, spec.SizeBytes, exported.Path)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Recipe:    spec.Recipe,
		Tag:       spec.NormalizedTag(),
		SizeBytes: img.SizeBytes,
		HasInit:   img.HasInit,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeRecord(img.Path, rec, b.formatter.owner); err != nil {
		log.WarnContext(ctx, "failed to write build record", "error", err)
	}

	log.InfoContext(ctx, "disk image ready",
		"size_bytes", img.SizeBytes, "has_init", img.HasInit, "duration", time.Since(start))
	return img, nil
}
