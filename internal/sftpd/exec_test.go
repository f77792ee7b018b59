package sftpd

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/containerengine"
	"github.com/wingsd/wingsd/internal/server"
)

func TestShellUnEscape(t *testing.T) {
	for _, tc := range []struct {
		unescaped, escaped string
	}{
		{"", ""},
		{"/this/is/harmless", "/this/is/harmless"},
		{"$(rm -rf /)", "\\$\\(rm\\ -rf\\ /\\)"},
		{"/test/\n", "/test/'\n'"},
		{":\"'", ":\\\"\\'"},
	} {
		assert.Equal(t, tc.unescaped, shellUnEscape(tc.escaped))
	}
}

type nullSender struct{}

func (nullSender) SendActivity(ctx context.Context, entries []activity.Entry) error { return nil }

func newTestSession(t *testing.T, permissions []string) (*ExecSession, *confinedfs.Root) {
	t.Helper()
	root, err := confinedfs.New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	engine := containerengine.NewStub()
	log := activity.NewLog(nullSender{}, time.Hour)
	srv := server.New(uuid.New(), root, engine, server.NewHub(), log, server.Config{})

	return &ExecSession{
		Root:        root,
		Server:      srv,
		Log:         log,
		Permissions: permissions,
		UserUUID:    uuid.New(),
		Level:       archive.LevelPreset(1),
		Workers:     1,
	}, root
}

func TestExecSessionCompressThenExtractRoundTrips(t *testing.T) {
	sess, root := newTestSession(t, []string{string(PermissionFileArchive), string(PermissionFileCreate)})

	require.NoError(t, root.CreateDirAll("world", 0o755))
	w, err := root.CreateForWrite(context.Background(), "world/level.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := sess.Run(context.Background(), "cd /; tar backup.tar world")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	if _, statErr := root.Metadata("backup.tar"); statErr != nil {
		t.Fatalf("expected backup.tar to exist: %v", statErr)
	}

	require.NoError(t, root.CreateDirAll("restored", 0o755))
	result, err = sess.Run(context.Background(), "tar -xzpPf backup.tar -C restored")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	fi, err := root.Metadata("restored/world/level.dat")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
}

func TestExecSessionExtractRefusedWithoutPermission(t *testing.T) {
	sess, _ := newTestSession(t, nil)
	result, err := sess.Run(context.Background(), "tar -xzpPf backup.tar -C restored")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Message, "Permission denied")
}

func TestExecSessionConsoleCommandRequiresRunningServer(t *testing.T) {
	sess, _ := newTestSession(t, []string{string(PermissionControlConsole)})
	result, err := sess.Run(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Contains(t, result.Message, "not running")
}

func TestExecSessionConsoleCommandSendsToRunningServer(t *testing.T) {
	sess, _ := newTestSession(t, []string{string(PermissionControlConsole)})
	require.NoError(t, sess.Server.Start(context.Background()))

	result, err := sess.Run(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Message)
}
