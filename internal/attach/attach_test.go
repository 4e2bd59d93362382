package attach_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfforge/ctfforge/internal/attach"
	"github.com/ctfforge/ctfforge/internal/challenge"
)

func TestPackage(t *testing.T) {
	ctx := context.Background()

	challengeDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(challengeDir, "dist", "src"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(challengeDir, "dist", "binary"),
		[]byte("ELF..."),
		0o644,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(challengeDir, "dist", "src", "main.c"),
		[]byte("int main(void) { return 0; }"),
		0o644,
	))

	ch := &challenge.Challenge{
		Name:     "overflow",
		Dir:      challengeDir,
		Category: "pwn",
		Flags:    []challenge.Flag{{Value: "ctf{x}"}},
		Attachments: []challenge.Attachment{
			{Type: challenge.AttachmentFile, Path: "dist/binary"},
			{Type: challenge.AttachmentDirectory, Path: "dist/src"},
		},
	}

	outputDir := t.TempDir()
	staged, err := attach.Package(ctx, ch, outputDir)
	require.NoError(t, err)
	require.Len(t, staged, 2)

	copied, err := os.ReadFile(filepath.Join(outputDir, "overflow", "binary"))
	require.NoError(t, err)
	assert.Equal(t, "ELF...", string(copied))

	archive, err := zip.OpenReader(filepath.Join(outputDir, "overflow", "src.zip"))
	require.NoError(t, err)
	defer archive.Close()

	require.Len(t, archive.File, 1)
	assert.Equal(t, "main.c", archive.File[0].Name)
}

func TestPackageMissingSource(t *testing.T) {
	ch := &challenge.Challenge{
		Name:     "ghost",
		Dir:      t.TempDir(),
		Category: "misc",
		Flags:    []challenge.Flag{{Value: "ctf{x}"}},
		Attachments: []challenge.Attachment{
			{Type: challenge.AttachmentFile, Path: "does/not/exist"},
		},
	}

	_, err := attach.Package(context.Background(), ch, t.TempDir())
	require.Error(t, err)
}
