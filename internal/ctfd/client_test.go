package ctfd_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfforge/ctfforge/internal/config"
	"github.com/ctfforge/ctfforge/internal/ctfd"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *ctfd.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return ctfd.Create(&config.CTFdConfig{URL: server.URL, Token: "testtoken"})
}

func TestCreateChallenge(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/challenges", r.URL.Path)
		assert.Equal(t, "Token testtoken", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "overflow", payload["name"])
		assert.Equal(t, "standard", payload["type"])
		assert.Equal(t, "visible", payload["state"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "data": {"id": 42, "name": "overflow"}}`))
	})

	id, err := client.CreateChallenge(context.Background(), &ctfd.Challenge{
		Name:     "overflow",
		Category: "pwn",
		Value:    500,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, id)
}

func TestAddFlag(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/flags", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(42), payload["challenge_id"])
		assert.Equal(t, "ctf{abc}", payload["content"])
		assert.Equal(t, "static", payload["type"])
		assert.Equal(t, "case_insensitive", payload["data"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "data": {}}`))
	})

	err := client.AddFlag(context.Background(), 42, "ctf{abc}", "static", true)
	require.NoError(t, err)
}

func TestAPIFailure(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": false}`))
	})

	err := client.AddHint(context.Background(), 42, "hint", 10)
	require.Error(t, err)
}

func TestServerError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	err := client.CreateTeam(context.Background(), "team-a", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestUploadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary")
	require.NoError(t, os.WriteFile(path, []byte("ELF..."), 0o644))

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("challenge_id"))
		assert.Equal(t, "challenge", r.FormValue("type"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "binary", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "data": []}`))
	})

	err := client.UploadFile(context.Background(), 42, path)
	require.NoError(t, err)
}
