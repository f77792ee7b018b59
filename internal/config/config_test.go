package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/archive"
)

func TestLoadAppliesDefaultsAndParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	id := uuid.New()
	contents := "uuid: " + id.String() + "\n" +
		"remote: https://panel.example.com\n" +
		"token: abc123\n" +
		"throttles:\n  read_limit_bytes_per_second: 1048576\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, id, cfg.UUID)
	assert.Equal(t, "https://panel.example.com", cfg.Remote)
	assert.Equal(t, "abc123", cfg.Token)
	assert.EqualValues(t, 1048576, cfg.Throttles.ReadLimitBS)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
	assert.Equal(t, "good_compression", cfg.CompressionLevel)
	assert.Equal(t, 10*time.Second, cfg.ActivityFlushInterval)
}

func TestLoadRequiresUUIDRemoteAndToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("remote: https://panel.example.com\ntoken: abc\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "uuid is required")
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	cfg := Default()
	cfg.UUID = uuid.New()
	cfg.Remote = "https://panel.example.com"
	cfg.Token = "abc123"
	cfg.TokenID = "node-1"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.UUID, loaded.UUID)
	assert.Equal(t, cfg.Remote, loaded.Remote)
	assert.Equal(t, cfg.TokenID, loaded.TokenID)
	assert.Equal(t, cfg.SFTP.Listen, loaded.SFTP.Listen)
}

func TestParseCompressionLevel(t *testing.T) {
	assert.Equal(t, archive.BestSpeed, ParseCompressionLevel("best_speed"))
	assert.Equal(t, archive.GoodSpeed, ParseCompressionLevel("Good_Speed"))
	assert.Equal(t, archive.BestCompression, ParseCompressionLevel("best_compression"))
	assert.Equal(t, archive.GoodCompression, ParseCompressionLevel(""))
	assert.Equal(t, archive.GoodCompression, ParseCompressionLevel("nonsense"))
}
