package archive

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatedGzipSize(t *testing.T) {
	payload := bytes.Repeat([]byte("hello wings"), 100)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	size, ok, err := EstimatedSize(CompressionGzip, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, len(payload), size)
}

func TestEstimatedLz4Size(t *testing.T) {
	payload := bytes.Repeat([]byte("chunked content"), 50)
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	opts := []lz4.Option{lz4.SizeOption(uint64(len(payload)))}
	require.NoError(t, zw.Apply(opts...))
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	size, ok, err := EstimatedSize(CompressionLz4, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, len(payload), size)
}

func TestEstimatedSizeUnknownForBzip2(t *testing.T) {
	size, ok, err := EstimatedSize(CompressionBzip2, bytes.NewReader([]byte("BZh91AY")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, size)
}
