package archive

import (
	"archive/tar"
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

func TestCreateAndExtractTarRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	src, err := confinedfs.New(srcDir, 0, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, src.CreateDirAll("world/sub", 0o755))
	w, err := src.CreateForWrite(ctx, "world/level.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("level data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, src.SymlinkCreate("world/link", "level.dat"))

	var buf bytes.Buffer
	require.NoError(t, CreateTar(ctx, src, ".", &buf, CreateTarOptions{WalkOptions: walker.DefaultOptions()}))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ExtractTar(ctx, dst, bytes.NewReader(buf.Bytes()), ".", nil))

	data, err := os.ReadFile(filepath.Join(dstDir, "world", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "level data", string(data))

	target, err := os.Readlink(filepath.Join(dstDir, "world", "link"))
	require.NoError(t, err)
	assert.Equal(t, "level.dat", target)
}

func TestTarRoundTripPreservesSetuidBit(t *testing.T) {
	srcDir := t.TempDir()
	src, err := confinedfs.New(srcDir, 0, nil)
	require.NoError(t, err)

	ctx := context.Background()
	w, err := src.CreateForWrite(ctx, "suid.bin", confinedfs.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, os.Chmod(filepath.Join(srcDir, "suid.bin"), 0o4755))

	var buf bytes.Buffer
	require.NoError(t, CreateTar(ctx, src, ".", &buf, CreateTarOptions{WalkOptions: walker.DefaultOptions()}))

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ExtractTar(ctx, dst, bytes.NewReader(buf.Bytes()), ".", nil))

	fi, err := os.Stat(filepath.Join(dstDir, "suid.bin"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSetuid)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestExtractTarRejectsAbsolutePaths(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	payload := []byte("nope")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "/tmp/wingsd-absolute-escape-test",
		Mode: 0o644,
		Size: int64(len(payload)),
	}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dstDir := t.TempDir()
	dst, err := confinedfs.New(dstDir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ExtractTar(context.Background(), dst, bytes.NewReader(buf.Bytes()), ".", nil))

	_, err = os.Stat("/tmp/wingsd-absolute-escape-test")
	assert.True(t, os.IsNotExist(err))
}
