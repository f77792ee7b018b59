package transfer

import (
	"bytes"
	"context"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/confinedfs"
)

func setupServerTree(t *testing.T) *confinedfs.Root {
	t.Helper()
	dir := t.TempDir()
	root, err := confinedfs.New(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, root.CreateDirAll("world", 0o755))
	w, err := root.CreateForWrite(context.Background(), "world/level.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("some level bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return root
}

// setupLargeServerTree builds a tree whose single file is large enough that
// streaming it fills the OS socket send buffer before a stalled destination
// ever reads it, so cancellation genuinely has to unblock a parked pipe
// Write rather than just abort a response wait.
func setupLargeServerTree(t *testing.T, size int) *confinedfs.Root {
	t.Helper()
	dir := t.TempDir()
	root, err := confinedfs.New(dir, 0, nil)
	require.NoError(t, err)
	w, err := root.CreateForWrite(context.Background(), "world.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("x"), size))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return root
}

type recordingHub struct {
	logs     []string
	statuses []string
}

func (h *recordingHub) BroadcastTransferLog(line string) { h.logs = append(h.logs, line) }
func (h *recordingHub) BroadcastTransferStatus(s string) { h.statuses = append(h.statuses, s) }

func TestTransferStreamsArchiveAndChecksum(t *testing.T) {
	root := setupServerTree(t)
	hub := &recordingHub{}

	var gotParts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			gotParts = append(gotParts, part.FormName())
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(Options{
		URL:    srv.URL,
		Token:  "bearer-token",
		Format: FormatTar,
		Root:   root,
		Hub:    hub,
	})

	require.NoError(t, tr.Start(context.Background()))
	assert.Contains(t, gotParts, "archive")
	assert.Contains(t, gotParts, "checksum")
	assert.Contains(t, hub.statuses, "processing")
	assert.NotContains(t, hub.statuses, "failure")
}

func TestTransferReportsFailureOnUploadError(t *testing.T) {
	root := setupServerTree(t)
	hub := &recordingHub{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var panelFlag bool
	var transferring bool
	tr := New(Options{
		URL:                  srv.URL,
		Token:                "bearer-token",
		Format:               FormatTar,
		Root:                 root,
		Hub:                  hub,
		SetTransferring:      func(v bool) { transferring = v },
		SetPanelTransferFlag: func(ctx context.Context, ok bool) error { panelFlag = ok; return nil },
	})

	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, hub.statuses, "failure")
	assert.False(t, panelFlag)
	assert.False(t, transferring)
}

func TestTransferCancelAbortsMidFlight(t *testing.T) {
	root := setupServerTree(t)
	hub := &recordingHub{}

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	tr := New(Options{URL: srv.URL, Token: "t", Format: FormatTar, Root: root, Hub: hub})

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.Cancel()
	}()

	err := tr.Start(context.Background())
	require.Error(t, err)
}

// TestTransferCancelUnblocksStalledPipes exercises the genuine backpressure
// case: the destination never reads the request body at all, so once the
// payload exceeds the OS socket send buffer the archive-writing goroutine
// ends up parked on a Write several pipe-hops upstream of the socket.
// Cancelling the transfer must unblock that Write directly; waiting only on
// the HTTP response would hang forever since no response is ever sent.
func TestTransferCancelUnblocksStalledPipes(t *testing.T) {
	root := setupLargeServerTree(t, 8<<20)
	hub := &recordingHub{}

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	tr := New(Options{URL: srv.URL, Token: "t", Format: FormatTar, Root: root, Hub: hub})

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.Cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Cancel: a pipe stayed blocked on backpressure")
	}
}
