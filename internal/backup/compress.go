package backup

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
)

func newGzipWriter(w io.Writer, level int) (*gzip.Writer, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return gzip.NewWriterLevel(w, level)
}

// zstdWriteCloser wraps klauspost/compress/zstd's encoder so Close flushes
// the frame footer.
type zstdWriteCloser struct {
	enc *zstd.Encoder
}

func newZstdWriter(w io.Writer, level int) (*zstdWriteCloser, error) {
	l := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(l))
	if err != nil {
		return nil, err
	}
	return &zstdWriteCloser{enc: enc}, nil
}

func (z *zstdWriteCloser) Write(p []byte) (int, error) { return z.enc.Write(p) }
func (z *zstdWriteCloser) Close() error                { return z.enc.Close() }
