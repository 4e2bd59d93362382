// Package buildrunner produces a challenge's static artifacts: each build
// step runs as a containerized build, and the declared files are copied
// out of the built image into the challenge directory.
package buildrunner

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/buildrunner")

type Runner struct {
	cli client.APIClient
}

func New() (*Runner, error) {
	cli, err := container.NewDockerClient()
	if err != nil {
		return nil, err
	}

	return &Runner{cli: cli}, nil
}

func NewWithClient(cli client.APIClient) *Runner {
	return &Runner{cli: cli}
}

// Build runs every build step of a challenge and returns the artifact
// paths it wrote, relative to nothing: they are absolute. Re-running a
// build overwrites previous artifacts in place.
func (r *Runner) Build(ctx context.Context, ch *challenge.Challenge) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Runner.Build", trace.WithAttributes(
		attribute.String("challenge", ch.Name),
		attribute.Int("steps", len(ch.Build)),
	))
	defer span.End()

	var written []string
	for stepIndex, step := range ch.Build {
		stepName := fmt.Sprintf("%d", stepIndex)

		paths, err := r.buildStep(ctx, ch, stepIndex, &step)
		if err != nil {
			buildErr := runerrors.BuildError{
				Challenge: ch.Name,
				Step:      stepName,
				Err:       err,
			}
			span.RecordError(buildErr)
			span.SetStatus(codes.Error, "build step failed")
			return written, buildErr
		}

		written = append(written, paths...)
	}

	span.SetAttributes(attribute.Int("artifacts", len(written)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "built challenge")
	return written, nil
}

func (r *Runner) buildStep(
	ctx context.Context,
	ch *challenge.Challenge,
	stepIndex int,
	step *challenge.BuildStep,
) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Runner.buildStep", trace.WithAttributes(
		attribute.Int("step", stepIndex),
	))
	defer span.End()

	tag := container.SafeName(fmt.Sprintf("%s-build-%d", ch.Name, stepIndex))
	imageID, err := container.BuildImage(ctx, r.cli, ch.Dir, step.Path, step.Args, tag)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build image")
		return nil, err
	}

	// The artifacts live in the image filesystem; a created (never
	// started) container is enough to read them out.
	created, err := r.cli.ContainerCreate(
		ctx,
		&containertypes.Config{Image: imageID},
		nil, nil, nil,
		tag,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create build container")
		return nil, err
	}
	defer func() {
		err := r.cli.ContainerRemove(
			context.WithoutCancel(ctx),
			created.ID,
			containertypes.RemoveOptions{Force: true},
		)
		if err != nil && !client.IsErrNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to remove build container",
				"container", created.ID, "error", err)
		}
	}()

	var written []string
	for _, file := range step.Files {
		destination := filepath.Join(ch.Dir, file.Destination)
		if err := r.extractFile(ctx, created.ID, file.Source, destination); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to extract artifact")
			return written, fmt.Errorf("extract %s: %w", file.Source, err)
		}
		written = append(written, destination)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "built step")
	return written, nil
}

// extractFile copies one path out of a container. The engine hands back a
// tar stream; a single-file source yields exactly one regular member, and
// anything else means the descriptor pointed at a directory or a missing
// path.
func (r *Runner) extractFile(
	ctx context.Context,
	containerID string,
	source string,
	destination string,
) error {
	ctx, span := tracer.Start(ctx, "Runner.extractFile", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("destination", destination),
	))
	defer span.End()

	reader, _, err := r.cli.CopyFromContainer(ctx, containerID, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to copy from container")
		return err
	}
	defer reader.Close()

	archive := tar.NewReader(reader)
	header, err := archive.Next()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty archive")
		return fmt.Errorf("no archive member for %s: %w", source, err)
	}
	if header.Typeflag != tar.TypeReg {
		err = fmt.Errorf("%s is not a regular file", source)
		span.RecordError(err)
		span.SetStatus(codes.Error, "source is not a regular file")
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create destination directory")
		return err
	}

	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open destination")
		return err
	}

	if _, err := io.Copy(out, archive); err != nil {
		out.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write destination")
		return err
	}
	if err := out.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close destination")
		return err
	}

	if _, err := archive.Next(); !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%s produced more than one archive member", source)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected extra archive member")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "extracted file")
	return nil
}
