package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/wingserr"
)

// fakeResticBinary writes an executable shell script that behaves like a
// trimmed-down `restic` CLI: a `snapshots --json` invocation prints body,
// anything else exits 0 with no output.
func fakeResticBinary(t *testing.T, body string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-restic.sh")
	script := "#!/bin/sh\n" +
		"for arg in \"$@\"; do\n" +
		"  if [ \"$arg\" = \"snapshots\" ]; then\n" +
		"    cat <<'EOF'\n" + body + "\nEOF\n" +
		"    exit " + strconv.Itoa(exitCode) + "\n" +
		"  fi\n" +
		"done\n" +
		"exit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSnapshotAdapter(t *testing.T, binary string) *SnapshotAdapter {
	t.Helper()
	passwordFile := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(passwordFile, []byte("secret"), 0o600))

	return &SnapshotAdapter{
		cfg: SnapshotConfig{
			Binary:       binary,
			Repository:   filepath.Join(t.TempDir(), "repo"),
			PasswordFile: passwordFile,
		},
		targetDir: t.TempDir(),
	}
}

func TestEnsureCacheParsesSnapshotList(t *testing.T) {
	binary := fakeResticBinary(t, `[{"tags":["uuid-1"],"paths":["/servers/uuid-1"]},{"tags":["uuid-2"],"paths":["/servers/uuid-2"]}]`, 0)
	a := newTestSnapshotAdapter(t, binary)

	cache, err := a.ensureCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/servers/uuid-1", cache["uuid-1"])
	assert.Equal(t, "/servers/uuid-2", cache["uuid-2"])
}

func TestEnsureCacheSurfacesFirstFailure(t *testing.T) {
	binary := fakeResticBinary(t, "repository locked", 1)
	a := newTestSnapshotAdapter(t, binary)

	_, err := a.ensureCache(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, wingserr.ErrSubprocess))
}

func TestEnsureCacheReusesLastGoodCacheOnceWarm(t *testing.T) {
	binary := fakeResticBinary(t, `[{"tags":["uuid-1"],"paths":["/servers/uuid-1"]}]`, 0)
	a := newTestSnapshotAdapter(t, binary)

	_, err := a.ensureCache(context.Background())
	require.NoError(t, err)

	// Once warm, ensureCache returns the cached map without re-invoking the
	// subprocess; simulate that by swapping in a binary that fails and
	// asserting the previous successful result still reads.
	a.cfg.Binary = fakeResticBinary(t, "boom", 1)
	cache, err := a.ensureCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/servers/uuid-1", cache["uuid-1"])
}

func TestListReturnsEmptyWhenPasswordFileMissing(t *testing.T) {
	a := &SnapshotAdapter{
		cfg:       SnapshotConfig{Binary: "does-not-matter", PasswordFile: "/nonexistent/password/file"},
		targetDir: t.TempDir(),
	}
	uuids, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, uuids)
}

func TestListSurfacesFirstSubprocessFailure(t *testing.T) {
	binary := fakeResticBinary(t, "boom", 1)
	a := newTestSnapshotAdapter(t, binary)

	_, err := a.List(context.Background())
	assert.Error(t, err)
}
