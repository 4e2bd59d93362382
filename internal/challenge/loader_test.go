package challenge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

func writeDescriptor(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, "challenges", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "challenge.json"), []byte(content), 0o644))
}

const fullDescriptor = `{
	"category": "web",
	"value": 500,
	"host": {"index": 0},
	"flags": [{"value": "ctf{abc}", "case_sensitive": true}],
	"attachments": [{"type": "file", "path": "dist/binary"}],
	"hints": [{"text": "look closer", "cost": 50}],
	"build": [{
		"type": "docker",
		"path": "build.Dockerfile",
		"files": [{"source": "/out/binary", "destination": "dist/binary"}]
	}],
	"deploy": [{
		"type": "docker",
		"name": "app",
		"env": [{"name": "SECRET", "generate": true}],
		"ports": [{"type": "http", "value": 80, "public": true}],
		"healthcheck": {"test": "curl -f localhost", "interval": 0.5, "timeout": 1.5, "retries": 3},
		"limits": {"cpus": 0.5, "memory_mb": 256}
	}],
	"test": [{"type": "docker", "path": "solve.Dockerfile"}]
}`

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("FullDescriptor", func(t *testing.T) {
		root := t.TempDir()
		writeDescriptor(t, root, "overflow", fullDescriptor)

		ch, err := challenge.Load(ctx, filepath.Join(root, "challenges", "overflow"))
		require.NoError(t, err)

		assert.Equal(t, "overflow", ch.Name)
		assert.Equal(t, "web", ch.Category)
		assert.Equal(t, 500, ch.Value)
		require.NotNil(t, ch.Host)
		assert.Equal(t, 0, ch.Host.Index)
		require.Len(t, ch.Flags, 1)
		assert.Equal(t, challenge.FlagTypeStatic, ch.Flags[0].Type())
		require.Len(t, ch.Deploy, 1)
		assert.True(t, ch.Deploy[0].Env[0].Generate)
		require.NotNil(t, ch.Deploy[0].Healthcheck)
		assert.Equal(t, 3, ch.Deploy[0].Healthcheck.RetryBudget())
		assert.True(t, ch.HasRuntime())

		public := ch.PublicPorts()
		require.Len(t, public, 1)
		assert.Equal(t, 80, public[0].Value)
	})

	t.Run("UnknownStepType", func(t *testing.T) {
		root := t.TempDir()
		writeDescriptor(t, root, "odd", `{
			"category": "misc",
			"flags": [{"value": "ctf{x}"}],
			"deploy": [{"type": "podman"}]
		}`)

		_, err := challenge.Load(ctx, filepath.Join(root, "challenges", "odd"))

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		root := t.TempDir()
		writeDescriptor(t, root, "cut", `{"category": "misc", "flags": [`)

		_, err := challenge.Load(ctx, filepath.Join(root, "challenges", "cut"))

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "invalid JSON")
	})

	t.Run("MissingFlags", func(t *testing.T) {
		root := t.TempDir()
		writeDescriptor(t, root, "flagless", `{"category": "misc"}`)

		_, err := challenge.Load(ctx, filepath.Join(root, "challenges", "flagless"))

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("MissingDescriptor", func(t *testing.T) {
		_, err := challenge.Load(ctx, filepath.Join(t.TempDir(), "nope"))

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}

func TestLoadSet(t *testing.T) {
	ctx := context.Background()

	t.Run("SortedByName", func(t *testing.T) {
		root := t.TempDir()
		minimal := `{"category": "misc", "flags": [{"value": "ctf{x}"}]}`
		writeDescriptor(t, root, "zeta", minimal)
		writeDescriptor(t, root, "alpha", minimal)
		writeDescriptor(t, root, "mid", minimal)

		set, err := challenge.LoadSet(ctx, root)
		require.NoError(t, err)
		require.Len(t, set, 3)

		assert.Equal(t, "alpha", set[0].Name)
		assert.Equal(t, "mid", set[1].Name)
		assert.Equal(t, "zeta", set[2].Name)
	})

	t.Run("EmptyTree", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "challenges"), 0o755))

		_, err := challenge.LoadSet(ctx, root)

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	minimal := `{"category": "misc", "flags": [{"value": "ctf{x}"}]}`
	writeDescriptor(t, root, "alpha", minimal)
	writeDescriptor(t, root, "beta", minimal)

	set, err := challenge.LoadSet(ctx, root)
	require.NoError(t, err)

	t.Run("KeepsNamed", func(t *testing.T) {
		kept, err := challenge.Filter(set, []string{"beta"})
		require.NoError(t, err)
		require.Len(t, kept, 1)
		assert.Equal(t, "beta", kept[0].Name)
	})

	t.Run("UnknownName", func(t *testing.T) {
		_, err := challenge.Filter(set, []string{"gamma"})

		var cfgErr runerrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}
