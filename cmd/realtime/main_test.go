package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestOpenMemoryBackends(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("documents:\n  users/alice:\n    displayName: Alice\n"), 0o600))

	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Backend: config.BackendConfig{Documents: "memory", Blobs: "memory", SeedFile: seed},
	}
	b, err := openBackends(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer b.Close()

	doc, err := b.store.GetOnce(context.Background(), backend.UserPath("alice"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Alice", doc.String("displayName"))
	assert.NotNil(t, b.files)
	assert.Empty(t, b.health)
}

func TestOpenBackendsRejectsUnknownStore(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{Documents: "mongo"}}
	_, err := openBackends(context.Background(), cfg, slog.Default())
	assert.ErrorContains(t, err, "unknown document backend")
}
