// Package attach stages a challenge's player-facing attachments into an
// output directory: plain files are copied as-is, directories are zipped
// so a single download carries the whole tree.
package attach

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/attach")

// Package stages every attachment of a challenge under
// <outputDir>/<challenge name>/ and returns the staged file paths.
func Package(ctx context.Context, ch *challenge.Challenge, outputDir string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Package", trace.WithAttributes(
		attribute.String("challenge", ch.Name),
		attribute.Int("attachments", len(ch.Attachments)),
	))
	defer span.End()

	targetDir := filepath.Join(outputDir, ch.Name)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create output directory")
		return nil, err
	}

	var staged []string
	for _, attachment := range ch.Attachments {
		source := filepath.Join(ch.Dir, attachment.Path)

		var target string
		var err error
		switch attachment.Type {
		case challenge.AttachmentFile:
			target = filepath.Join(targetDir, filepath.Base(attachment.Path))
			err = copy.Copy(source, target)
		case challenge.AttachmentDirectory:
			target = filepath.Join(targetDir, filepath.Base(attachment.Path)+".zip")
			err = zipDirectory(source, target)
		default:
			err = runerrors.ConfigErrorf("%s: unknown attachment type %q", ch.Name, attachment.Type)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to stage attachment")
			return staged, fmt.Errorf("stage %s: %w", attachment.Path, err)
		}

		staged = append(staged, target)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "staged attachments")
	return staged, nil
}

// zipDirectory writes dir's contents into a zip at target, paths relative
// to dir so the archive does not leak the build machine's layout.
func zipDirectory(dir string, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	archive := zip.NewWriter(out)
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		writer, err := archive.Create(filepath.ToSlash(relative))
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		archive.Close()
		return err
	}

	if err := archive.Close(); err != nil {
		return err
	}
	return out.Close()
}
