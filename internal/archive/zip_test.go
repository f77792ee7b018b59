package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/walker"
)

func TestCreateAndExtractZipRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	src, err := confinedfs.New(srcDir, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, src.CreateDirAll("plugins", 0o755))
	w, err := src.CreateForWrite(ctx, "plugins/a.jar", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("jarbytes"), 10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	level := GoodCompression.Level(CompressionGzip)
	require.NoError(t, CreateZip(ctx, src, ".", &buf, level, CreateTarOptions{WalkOptions: walker.DefaultOptions()}))

	zipPath := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ExtractZip(ctx, dst, zipPath, ".", nil, 4))

	data, err := os.ReadFile(filepath.Join(dstDir, "plugins", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("jarbytes"), 10), data)
}

func TestZipRoundTripPreservesSetgidBit(t *testing.T) {
	srcDir := t.TempDir()
	src, err := confinedfs.New(srcDir, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	w, err := src.CreateForWrite(ctx, "sgid.bin", confinedfs.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, os.Chmod(filepath.Join(srcDir, "sgid.bin"), 0o2755))

	var buf bytes.Buffer
	level := GoodCompression.Level(CompressionGzip)
	require.NoError(t, CreateZip(ctx, src, ".", &buf, level, CreateTarOptions{WalkOptions: walker.DefaultOptions()}))

	zipPath := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ExtractZip(ctx, dst, zipPath, ".", nil, 4))

	fi, err := os.Stat(filepath.Join(dstDir, "sgid.bin"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSetgid)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestExtractZipHonoursIgnoreMatcher(t *testing.T) {
	srcDir := t.TempDir()
	src, err := confinedfs.New(srcDir, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"keep.txt", "server.log"} {
		w, err := src.CreateForWrite(ctx, name, confinedfs.WriteOptions{})
		require.NoError(t, err)
		_, err = w.Write([]byte("content"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	var buf bytes.Buffer
	require.NoError(t, CreateZip(ctx, src, ".", &buf, 6, CreateTarOptions{WalkOptions: walker.DefaultOptions()}))

	zipPath := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, []string{"*.log"})
	require.NoError(t, err)
	require.NoError(t, ExtractZip(ctx, dst, zipPath, ".", dst.Matcher(), 2))

	_, err = os.Stat(filepath.Join(dstDir, "keep.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dstDir, "server.log"))
	assert.True(t, os.IsNotExist(err))
}
