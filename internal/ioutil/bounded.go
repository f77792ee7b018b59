package ioutil

import (
	"fmt"
	"io"
	"os"
)

// BoundedReader reads at most N bytes starting at a fixed offset of a
// seekable file, used by the object-store backup adapter to carve a
// multipart upload's parts out of a single scratch file (§4.A). Unlike
// io.SectionReader, a BoundedReader that outlives an underlying file being
// truncated or appended to still refuses to read past its declared limit —
// the limit is enforced in Read itself, not derived from a second Seek at
// read time.
type BoundedReader struct {
	f      *os.File
	remain int64
	limit  int64
	offset int64
}

// NewBoundedReader seeks f to offset and returns a reader that yields at
// most n bytes from that point, regardless of the file's actual length.
func NewBoundedReader(f *os.File, offset, n int64) (*BoundedReader, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("bounded reader: seek to %d: %w", offset, err)
	}
	return &BoundedReader{f: f, remain: n, limit: n, offset: offset}, nil
}

func (b *BoundedReader) Read(p []byte) (int, error) {
	if b.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.f.Read(p)
	b.remain -= int64(n)
	return n, err
}

// Len returns the number of bytes this reader was constructed to yield.
func (b *BoundedReader) Len() int64 { return b.limit }

// MultiReader opens K independent file handles to the same on-disk path so
// that K workers decoding distinct entries of a seekable archive (zip, 7z)
// can each hold their own seek cursor without coordinating (§4.A).
type MultiReader struct {
	path string
}

// NewMultiReader returns a MultiReader bound to path. No file is opened
// until Clone is called.
func NewMultiReader(path string) *MultiReader {
	return &MultiReader{path: path}
}

// Clone opens a fresh, independently-seekable handle onto the underlying
// file. Callers must Close the returned handle.
func (m *MultiReader) Clone() (*os.File, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("multi reader: clone %s: %w", m.path, err)
	}
	return f, nil
}
