package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// EstimatedSize reports an archive's decompressed size where the
// compression's own container trailer/header carries it, per §4.D
// "Estimated size". ok is false when the format doesn't expose one (bzip2,
// xz, none, or a zstd frame without a content-size field) — callers then
// show "unknown" rather than a wrong number.
//
// r must be positioned at the start of the compressed stream; EstimatedSize
// consumes only the bytes it needs to read the relevant trailer/header and
// does not rewind, so callers that also want to decompress must re-open.
func EstimatedSize(c Compression, r io.Reader) (size int64, ok bool, err error) {
	switch c {
	case CompressionGzip:
		return estimatedGzipSize(r)
	case CompressionLz4:
		return estimatedLz4Size(r)
	case CompressionZstd:
		return estimatedZstdSize(r)
	default:
		return 0, false, nil
	}
}

// estimatedGzipSize reads the whole stream (gzip's ISIZE trailer is the
// last 4 bytes of the file, not derivable without consuming it unless the
// caller has random access) and returns ISIZE mod 2^32, per RFC 1952 §2.3.1.
func estimatedGzipSize(r io.Reader) (int64, bool, error) {
	ring := newRingWriter(8)
	if _, err := io.Copy(ring, r); err != nil {
		return 0, false, fmt.Errorf("archive: scan gzip trailer: %w", err)
	}
	trailer := ring.Ordered()
	if len(trailer) < 8 {
		return 0, false, nil
	}
	isize := binary.LittleEndian.Uint32(trailer[4:8])
	return int64(isize), true, nil
}

// ringWriter keeps only the last N bytes written to it, in chronological
// order, used to find a stream's trailing bytes without buffering the
// whole thing.
type ringWriter struct {
	ring []byte
	pos  int
	seen int
}

func newRingWriter(n int) *ringWriter {
	return &ringWriter{ring: make([]byte, n)}
}

func (w *ringWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.ring[w.pos] = b
		w.pos = (w.pos + 1) % len(w.ring)
		w.seen++
	}
	return len(p), nil
}

// Ordered returns the bytes currently held, oldest first. Its length is
// min(seen, len(ring)).
func (w *ringWriter) Ordered() []byte {
	if w.seen < len(w.ring) {
		out := make([]byte, w.seen)
		copy(out, w.ring[:w.seen])
		return out
	}
	out := make([]byte, len(w.ring))
	copy(out, w.ring[w.pos:])
	copy(out[len(w.ring)-w.pos:], w.ring[:w.pos])
	return out
}

// estimatedLz4Size reads the frame descriptor and, if the content-size flag
// is set, the following 8-byte little-endian field.
func estimatedLz4Size(r io.Reader) (int64, bool, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return 0, false, fmt.Errorf("archive: read lz4 magic: %w", err)
	}
	flg, err := br.ReadByte()
	if err != nil {
		return 0, false, fmt.Errorf("archive: read lz4 FLG: %w", err)
	}
	const contentSizeFlag = 1 << 3
	if flg&contentSizeFlag == 0 {
		return 0, false, nil
	}
	if _, err := br.ReadByte(); err != nil { // BD byte
		return 0, false, fmt.Errorf("archive: read lz4 BD: %w", err)
	}
	var size uint64
	if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
		return 0, false, fmt.Errorf("archive: read lz4 content size: %w", err)
	}
	return int64(size), true, nil
}

// estimatedZstdSize parses the Frame Header Descriptor to determine the
// Frame Content Size field's width (0, 1, 2, 4, or 8 bytes depending on
// FCS_Flag, per the Zstandard frame format spec) and decodes it.
func estimatedZstdSize(r io.Reader) (int64, bool, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return 0, false, fmt.Errorf("archive: read zstd magic: %w", err)
	}
	fhd, err := br.ReadByte()
	if err != nil {
		return 0, false, fmt.Errorf("archive: read zstd frame header descriptor: %w", err)
	}
	fcsFlag := fhd >> 6
	singleSegment := fhd&(1<<5) != 0

	if !singleSegment { // Window_Descriptor byte precedes Dictionary_ID
		if _, err := br.ReadByte(); err != nil {
			return 0, false, fmt.Errorf("archive: read zstd window descriptor: %w", err)
		}
	}

	var didLen int
	switch fhd & 0x3 { // Dictionary_ID_Flag: skip its bytes
	case 1:
		didLen = 1
	case 2:
		didLen = 2
	case 3:
		didLen = 4
	}
	if didLen > 0 {
		if _, err := io.CopyN(io.Discard, br, int64(didLen)); err != nil {
			return 0, false, fmt.Errorf("archive: skip zstd dictionary id: %w", err)
		}
	}

	var fcsLen int
	switch fcsFlag {
	case 0:
		if singleSegment {
			fcsLen = 1
		} else {
			return 0, false, nil
		}
	case 1:
		fcsLen = 2
	case 2:
		fcsLen = 4
	case 3:
		fcsLen = 8
	}

	buf := make([]byte, fcsLen)
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, false, fmt.Errorf("archive: read zstd frame content size: %w", err)
	}
	var fcs uint64
	for i := fcsLen - 1; i >= 0; i-- {
		fcs = fcs<<8 | uint64(buf[i])
	}
	if fcsLen == 2 {
		fcs += 256 // per spec: when FCS_Flag selects the 2-byte field, add 256
	}
	return int64(fcs), true, nil
}
