package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":7420", cfg.RelayListen)
	assert.Equal(t, int32(transfer.DefaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, int64(transfer.DefaultMaxFileSize), cfg.MaxFileSize)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.PacingDelay)
	assert.True(t, cfg.Announce)
	assert.Equal(t, slog.LevelInfo, cfg.Level())

	tc, err := cfg.Transfer()
	require.NoError(t, err)
	assert.Equal(t, 3, tc.RetryPolicy.MaxRetries)
	assert.Equal(t, 8, tc.MaxInflightPerPeer)
}

func TestLoad_EnvFileAndEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("SWARMSHARE_ROOM=lab\nSWARMSHARE_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SWARMSHARE_CHUNK_SIZE", "65536")
	t.Setenv("SWARMSHARE_RELAY_URL", "http://relay:7420")

	cfg, err := Load(file)
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Unsetenv("SWARMSHARE_ROOM")
		os.Unsetenv("SWARMSHARE_LOG_LEVEL")
	})

	assert.Equal(t, "lab", cfg.Room)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, int32(65536), cfg.ChunkSize)
	assert.Equal(t, "http://relay:7420", cfg.RelayURL)
}

func TestConfig_TransferRejectsInvalidValues(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	cfg.ChunkSize = 10
	_, err = cfg.Transfer()
	assert.ErrorIs(t, err, transfer.ErrInvalidConfiguration)
}

func TestConfig_ICEURLs(t *testing.T) {
	cfg := &Config{ICEServers: "stun:a:3478, ,turn:b:3478"}
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.ICEURLs())
	assert.Empty(t, (&Config{}).ICEURLs())
}
