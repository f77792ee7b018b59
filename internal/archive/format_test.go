package archive

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectContainer(t *testing.T) {
	cases := map[string]Container{
		"world.zip":      ContainerZip,
		"world.7z":       ContainerSevenZip,
		"world.rar":      ContainerRar,
		"backup.ddup":    ContainerDdup,
		"backup.tar":     ContainerTar,
		"backup.tar.gz":  ContainerTar,
		"backup.tar.zst": ContainerTar,
		"readme.txt":     ContainerUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, DetectContainer(name), name)
	}
}

func TestDetectCompressionGzip(t *testing.T) {
	buf := []byte{0x1f, 0x8b, 0x08, 0x00}
	c, br, err := DetectCompression(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, c)
	peeked, _ := br.Peek(2)
	assert.Equal(t, buf[:2], peeked)
}

func TestDetectCompressionNone(t *testing.T) {
	c, _, err := DetectCompression(bytes.NewReader([]byte("plain text")))
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)
}

func TestLevelPresetMapping(t *testing.T) {
	assert.Equal(t, 1, BestSpeed.Level(CompressionGzip))
	assert.Equal(t, 3, GoodSpeed.Level(CompressionGzip))
	assert.Equal(t, 6, GoodCompression.Level(CompressionGzip))
	assert.Equal(t, 9, BestCompression.Level(CompressionGzip))
	assert.Equal(t, 7, GoodSpeed.Level(CompressionZstd))
	assert.Equal(t, 13, GoodCompression.Level(CompressionZstd))
	assert.Equal(t, 22, BestCompression.Level(CompressionZstd))
}
