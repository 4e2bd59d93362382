package container_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfforge/ctfforge/internal/container"
)

func TestRegistry(t *testing.T) {
	registry := container.NewRegistry()
	host := container.Host{Name: "local", Address: "127.0.0.1"}

	_, ok := registry.Get("web", "local")
	assert.False(t, ok)

	registry.Put(&container.Handle{Challenge: "web", Host: host})
	registry.Put(&container.Handle{Challenge: "pwn", Host: host})

	handle, ok := registry.Get("web", "local")
	require.True(t, ok)
	assert.Equal(t, "web", handle.Challenge)

	assert.Len(t, registry.All(), 2)

	registry.Remove("web", "local")
	_, ok = registry.Get("web", "local")
	assert.False(t, ok)
	assert.Len(t, registry.All(), 1)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "team-a-web-01", container.SafeName("Team A/web 01"))
	assert.Equal(t, "already-safe", container.SafeName("already-safe"))
	assert.Equal(t, "x", container.SafeName("--x--"))
}
