package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
	"github.com/wingsd/wingsd/internal/ioutil"
	"github.com/wingsd/wingsd/internal/walker"
)

const maxSymlinkEntrySize = 2048

// ExtractZip extracts archivePath (an on-disk zip file) into destRel within
// root using a worker pool of `workers` goroutines, per §4.D "zip / 7z".
// Each worker opens its own *zip.Reader over an independent file handle
// (via ioutil.MultiReader) so workers never contend on a shared seek
// cursor.
func ExtractZip(ctx context.Context, root *confinedfs.Root, archivePath, destRel string, matcher *ignore.Matcher, workers int) error {
	primary, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open zip %s: %w", archivePath, err)
	}
	defer primary.Close()

	mr := ioutil.NewMultiReader(archivePath)
	members := make([]member, 0, len(primary.File))
	for i, zf := range primary.File {
		idx := i
		name := zf.Name
		if path.IsAbs(name) {
			continue
		}
		target := path.Join(destRel, name)
		isDir := zf.Mode().IsDir() || len(name) > 0 && name[len(name)-1] == '/'
		if matcher != nil {
			ignored, err := matcher.Matches(target, isDir)
			if err == nil && ignored {
				continue
			}
		}
		members = append(members, member{
			name:  target,
			mode:  zf.Mode(),
			isDir: isDir,
			size:  int64(zf.UncompressedSize64),
			opener: func() (fileReader, error) {
				f, err := mr.Clone()
				if err != nil {
					return nil, err
				}
				fi, err := f.Stat()
				if err != nil {
					f.Close()
					return nil, err
				}
				zr, err := zip.NewReader(f, fi.Size())
				if err != nil {
					f.Close()
					return nil, err
				}
				rc, err := zr.File[idx].Open()
				if err != nil {
					f.Close()
					return nil, err
				}
				return &closeBoth{ReadCloser: rc, extra: f}, nil
			},
		})
	}

	return runWorkerPool(ctx, members, workers, func(m member) error {
		return extractMember(ctx, root, m)
	})
}

// closeBoth closes both the decoder's ReadCloser and the raw file handle
// it was built on top of.
type closeBoth struct {
	io.ReadCloser
	extra io.Closer
}

func (c *closeBoth) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.extra.Close(); err == nil {
		err = cerr
	}
	return err
}

func extractMember(ctx context.Context, root *confinedfs.Root, m member) error {
	if m.isDir {
		if err := root.CreateDirAll(m.name, m.mode); err != nil {
			return fmt.Errorf("archive: create dir %s: %w", m.name, err)
		}
		return nil
	}
	if m.mode&fs.ModeSymlink != 0 && m.size >= 1 && m.size <= maxSymlinkEntrySize {
		rc, err := m.opener()
		if err != nil {
			return fmt.Errorf("archive: open %s: %w", m.name, err)
		}
		defer rc.Close()
		target, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("archive: read symlink target %s: %w", m.name, err)
		}
		if err := root.CreateDirAll(path.Dir(m.name), 0o755); err != nil {
			return fmt.Errorf("archive: create parent for %s: %w", m.name, err)
		}
		return root.SymlinkCreate(m.name, string(target))
	}
	if err := root.CreateDirAll(path.Dir(m.name), 0o755); err != nil {
		return fmt.Errorf("archive: create parent for %s: %w", m.name, err)
	}
	rc, err := m.opener()
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", m.name, err)
	}
	defer rc.Close()
	w, err := root.CreateForWrite(ctx, m.name, confinedfs.WriteOptions{Perm: m.mode})
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", m.name, err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("archive: write %s: %w", m.name, err)
	}
	return w.Close()
}

// CreateZip walks baseRel within root and writes a zip stream to w, per
// §4.D "Compression (zip)": unix permissions preserved in external
// attributes, the large_file flag set when an entry's size reaches 2^32,
// symlinks emitted with their target as the entry body.
func CreateZip(ctx context.Context, root *confinedfs.Root, baseRel string, w io.Writer, level int, opts CreateTarOptions) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, newDeflateCompressor(level))

	err := walker.Walk(ctx, root, baseRel, opts.WalkOptions, func(ctx context.Context, isDir bool, relPath string) error {
		return writeZipEntry(ctx, root, zw, relPath, isDir)
	})
	if err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: finalize zip: %w", err)
	}
	return nil
}

func writeZipEntry(ctx context.Context, root *confinedfs.Root, zw *zip.Writer, relPath string, isDir bool) error {
	fi, err := root.SymlinkMetadata(relPath)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", relPath, err)
	}

	name := relPath
	mode := fi.Mode()
	if isDir {
		name += "/"
	}

	hdr := &zip.FileHeader{
		Name:     name,
		Modified: fi.ModTime(),
		Method:   zip.Deflate,
	}
	hdr.SetMode(mode)
	if isDir || mode&fs.ModeSymlink != 0 {
		hdr.Method = zip.Store
	}
	// archive/zip switches to zip64 headers automatically once a written
	// entry's size crosses 2^32; no explicit large_file flag is needed.

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("archive: write zip header for %s: %w", relPath, err)
	}
	if isDir {
		return nil
	}
	if mode&fs.ModeSymlink != 0 {
		target, err := root.ReadLinkContents(relPath)
		if err != nil {
			return fmt.Errorf("archive: readlink %s: %w", relPath, err)
		}
		_, err = fw.Write([]byte(target))
		return err
	}

	f, err := root.OpenForRead(ctx, relPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", relPath, err)
	}
	defer f.Close()
	_, err = io.Copy(fw, f)
	return err
}
