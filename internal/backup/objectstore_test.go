package backup

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsd/wingsd/internal/confinedfs"
)

type fakePresignClient struct {
	partSize int64
	urls     []string
}

func (f *fakePresignClient) RequestBackupUpload(ctx context.Context, uuid string, size int64) (int64, []string, error) {
	return f.partSize, f.urls, nil
}

func TestObjectStoreAdapterCreateUploadsInParts(t *testing.T) {
	dir := t.TempDir()
	root, err := confinedfs.New(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, root.CreateDirAll("world", 0o755))
	w, err := root.CreateForWrite(context.Background(), "world/save.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("enough bytes to split across at least two parts of a small part size"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var receivedParts int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&receivedParts, 1)
		rw.Header().Set("ETag", "etag-value")
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The gzipped tar of this tree is a few hundred bytes, so hand out
	// enough 16-byte part URLs to cover it.
	var urls []string
	for i := 1; i <= 512; i++ {
		urls = append(urls, fmt.Sprintf("%s/%d", srv.URL, i))
	}
	panel := &fakePresignClient{partSize: 16, urls: urls}
	adapter := NewObjectStoreAdapter(root, "scratch", panel, srv.Client(), 0)

	raw, err := adapter.Create(context.Background(), "obj-uuid", nil)
	require.NoError(t, err)
	assert.True(t, raw.Successful)
	assert.Equal(t, "sha1", raw.ChecksumType)
	assert.Greater(t, int32(len(raw.Parts)), int32(0))
	for _, p := range raw.Parts {
		if p.ETag != "" {
			assert.Equal(t, "etag-value", p.ETag)
		}
	}
	assert.Greater(t, receivedParts, int32(0))

	// The scratch file should have been removed after a successful upload.
	_, statErr := root.Metadata("scratch/obj-uuid.tar.gz.scratch")
	assert.Error(t, statErr)
}

func TestObjectStoreAdapterRetriesOnFailureThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	root, err := confinedfs.New(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, root.CreateDirAll("world", 0o755))
	w, err := root.CreateForWrite(context.Background(), "world/save.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("small payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		rw.Header().Set("ETag", "final-etag")
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	panel := &fakePresignClient{partSize: 1 << 20, urls: []string{srv.URL}}
	adapter := NewObjectStoreAdapter(root, "scratch", panel, srv.Client(), 0)
	adapter.maxRetries = 5
	adapter.retryInterval = func(attempt int) time.Duration { return time.Millisecond }

	raw, err := adapter.Create(context.Background(), "retry-uuid", nil)
	require.NoError(t, err)
	assert.True(t, raw.Successful)
	require.Len(t, raw.Parts, 1)
	assert.Equal(t, "final-etag", raw.Parts[0].ETag)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestObjectStoreAdapterFailsAfterExhaustingRetries(t *testing.T) {
	dir := t.TempDir()
	root, err := confinedfs.New(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, root.CreateDirAll("world", 0o755))
	w, err := root.CreateForWrite(context.Background(), "world/save.dat", confinedfs.WriteOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	panel := &fakePresignClient{partSize: 1 << 20, urls: []string{srv.URL}}
	adapter := NewObjectStoreAdapter(root, "scratch", panel, srv.Client(), 0)
	adapter.maxRetries = 2
	adapter.retryInterval = func(attempt int) time.Duration { return time.Millisecond }

	_, err = adapter.Create(context.Background(), "fail-uuid", nil)
	assert.Error(t, err)
}
