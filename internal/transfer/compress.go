package transfer

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/wingsd/wingsd/internal/archive"
)

// compressingWriteCloser is whichever of gzip/zstd wraps the tar stream
// for a non-plain-tar transfer archive format.
type compressingWriteCloser interface {
	io.Writer
	io.Closer
}

type zstdWriteCloser struct{ enc *zstd.Encoder }

func (z *zstdWriteCloser) Write(p []byte) (int, error) { return z.enc.Write(p) }
func (z *zstdWriteCloser) Close() error                { return z.enc.Close() }

// newCompressingWriter wraps w in the compressor matching format, using
// level's numeric mapping for that compression per §4.D.
func newCompressingWriter(w io.Writer, format ArchiveFormat, level archive.LevelPreset) (compressingWriteCloser, error) {
	switch format {
	case FormatTarGz:
		return gzip.NewWriterLevel(w, level.Level(archive.CompressionGzip))
	case FormatTarZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level.Level(archive.CompressionZstd))))
		if err != nil {
			return nil, err
		}
		return &zstdWriteCloser{enc: enc}, nil
	default:
		return nil, fmt.Errorf("transfer: format %d has no compressor", format)
	}
}
