package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/logger"
)

// tarBuildContext packs a Dockerfile build context directory into the tar
// stream the engine API expects.
func tarBuildContext(dir string) (io.Reader, error) {
	buf := bytes.Buffer{}
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}

// BuildImage builds an image from a Dockerfile and returns the built image
// ID. The Dockerfile path is resolved against the challenge directory the
// way the descriptor declared it; an empty path means <contextDir>/Dockerfile.
func BuildImage(
	ctx context.Context,
	cli client.APIClient,
	contextDir string,
	dockerfile string,
	buildArgs map[string]string,
	tag string,
) (string, error) {
	ctx, span := tracer.Start(ctx, "BuildImage", trace.WithAttributes(
		attribute.String("context.dir", contextDir),
		attribute.String("dockerfile", dockerfile),
		attribute.String("tag", tag),
	))
	defer span.End()

	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if _, err := os.Stat(filepath.Join(contextDir, dockerfile)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dockerfile is not a file")
		return "", err
	}

	buildContext, err := tarBuildContext(contextDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to tar build context")
		return "", err
	}

	args := make(map[string]*string, len(buildArgs))
	for key, value := range buildArgs {
		args[key] = &value
	}

	resp, err := cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  filepath.ToSlash(dockerfile),
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start image build")
		return "", err
	}
	defer resp.Body.Close()

	imageID, err := drainBuildStream(ctx, resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "image build failed")
		return "", err
	}
	if imageID == "" {
		imageID = tag
	}

	span.SetAttributes(attribute.String("image.id", imageID))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "built image")
	return imageID, nil
}

// Engine build progress arrives as a JSON message stream; errors are
// reported in-band rather than via the HTTP status.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
	Aux    struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

func drainBuildStream(ctx context.Context, body io.Reader) (string, error) {
	decoder := json.NewDecoder(body)

	imageID := ""
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}

		if msg.Error != "" {
			return "", fmt.Errorf("build: %s", msg.Error)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
		if msg.Stream != "" {
			logger.Logger.DebugContext(ctx, "build output", "line", msg.Stream)
		}
	}

	return imageID, nil
}
