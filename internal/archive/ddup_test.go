package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/confinedfs"
)

func writeBlob(t *testing.T, archiveDir string, content []byte) string {
	t.Helper()
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	dir := filepath.Join(archiveDir, "objects", sha[:2])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sha), content, 0o644))
	return sha
}

func TestExtractDdupRoundTrip(t *testing.T) {
	archiveDir := t.TempDir()
	worldData := []byte("ddup world contents")
	sha := writeBlob(t, archiveDir, worldData)

	manifest := DdupManifest{
		Root: DdupEntry{
			IsDir: true,
			Children: []DdupEntry{
				{
					Name:  "world",
					IsDir: true,
					Mode:  0o755,
					Children: []DdupEntry{
						{
							Name:       "level.dat",
							Mode:       0o644,
							ContentSHA: sha,
							Size:       int64(len(worldData)),
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "manifest.json"), data, 0o644))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)

	require.NoError(t, ExtractDdup(context.Background(), dst, archiveDir, ".", nil, 2))

	got, err := os.ReadFile(filepath.Join(dstDir, "world", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, worldData, got)
}
