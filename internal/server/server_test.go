package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/containerengine"
)

type nullSender struct{}

func (nullSender) SendActivity(ctx context.Context, entries []activity.Entry) error { return nil }

func newTestServer(t *testing.T) (*Server, containerengine.Engine) {
	t.Helper()
	engine := containerengine.NewStub()
	log := activity.NewLog(nullSender{}, time.Hour)
	s := New(uuid.New(), nil, engine, NewHub(), log, Config{})
	return s, engine
}

func TestServerStartReachesRunning(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())
}

func TestServerStopReturnsToOffline(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background(), DefaultKillTimeout))
	assert.Equal(t, Offline, s.State())
}

func TestServerStartRefusedWhileTransferring(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTransferring(true)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, Offline, s.State())
}

func TestServerReinstallStopsFirstWhenRunning(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))

	installed := false
	err := s.Reinstall(context.Background(), func(ctx context.Context) error {
		installed = true
		assert.Equal(t, Offline, s.State(), "install should run only after the server is stopped")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, Offline, s.State())
}

func TestServerReinstallRefusedWhileTransferring(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTransferring(true)
	err := s.Reinstall(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
}
