package archive

import (
	"compress/bzip2"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Decompress wraps r in the decoder for c, ready to be handed to a tar
// reader (or read directly for a bare compressed file).
func Decompress(c Compression, r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionBzip2:
		return bzip2.NewReader(r), nil
	case CompressionXz:
		return xz.NewReader(r)
	case CompressionLz4:
		return lz4.NewReader(r), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("archive: unsupported compression %s", c)
	}
}

// newDeflateCompressor returns a zip.Compressor bound to flate's numeric
// level, used to register zip.Deflate with the level selected by
// LevelPreset.Level, per §4.D "Compression (zip)".
func newDeflateCompressor(level int) func(w io.Writer) (io.WriteCloser, error) {
	return func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	}
}
