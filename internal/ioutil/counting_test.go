package ioutil

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingReader(t *testing.T) {
	var counter atomic.Int64
	src := bytes.NewReader([]byte("hello world"))
	r := NewCountingReader(src, &counter)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.EqualValues(t, 11, counter.Load())
}

func TestCountingWriter(t *testing.T) {
	var counter atomic.Int64
	var buf bytes.Buffer
	w := NewCountingWriter(&buf, &counter)

	n, err := w.Write([]byte("abcde"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 5, counter.Load())

	n, err = w.Write([]byte("fg"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 7, counter.Load())
	assert.Equal(t, "abcdefg", buf.String())
}
