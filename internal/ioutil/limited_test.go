package ioutil

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedReaderNoCapPassesThrough(t *testing.T) {
	r := NewLimitedReader(context.Background(), bytes.NewReader([]byte("unbounded")), 0)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "unbounded", string(data))
}

func TestLimitedReaderEnforcesWindow(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 1024)
	r := NewLimitedReader(context.Background(), bytes.NewReader(payload), 256)

	start := time.Now()
	data, err := io.ReadAll(r)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, data, 1024)
	// 1024 bytes at 256 B/s with a 256-byte burst takes at least ~3s to
	// drain (first 256 bytes are free from the initial burst).
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestLimitedWriterZeroCapPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	w := NewLimitedWriter(context.Background(), &buf, 0)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestLimitedReaderContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewLimitedReader(ctx, bytes.NewReader(bytes.Repeat([]byte{'y'}, 10)), 1)
	_, err := r.Read(make([]byte, 10))
	assert.Error(t, err)
}
