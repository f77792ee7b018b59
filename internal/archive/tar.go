package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
	"github.com/wingsd/wingsd/internal/walker"
)

// ExtractTar sequentially decodes a tar stream (already decompressed by
// the caller via a Decompress* reader) into destRel within root, per §4.D
// "tar (any compression)". Absolute paths are rejected outright; ignored
// paths are skipped; other entry types (devices, fifos) are silently
// dropped, matching the original's Dispatch-by-type behaviour.
func ExtractTar(ctx context.Context, root *confinedfs.Root, r io.Reader, destRel string, matcher *ignore.Matcher) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read tar entry: %w", err)
		}
		if path.IsAbs(hdr.Name) || strings.HasPrefix(hdr.Name, "/") {
			continue
		}
		target := path.Join(destRel, hdr.Name)
		isDir := hdr.Typeflag == tar.TypeDir
		if matcher != nil {
			ignored, err := matcher.Matches(target, isDir)
			if err != nil {
				continue
			}
			if ignored {
				continue
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			mode := tarModeToFileMode(hdr.Mode)
			if err := root.CreateDirAll(target, mode); err != nil {
				return fmt.Errorf("archive: create dir %s: %w", target, err)
			}
			if err := root.SetPermissions(target, mode); err != nil {
				return fmt.Errorf("archive: chmod %s: %w", target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := root.CreateDirAll(path.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: create parent for %s: %w", target, err)
			}
			mtime := hdr.ModTime
			w, err := root.CreateForWrite(ctx, target, confinedfs.WriteOptions{Perm: tarModeToFileMode(hdr.Mode), Mtime: &mtime})
			if err != nil {
				return fmt.Errorf("archive: create %s: %w", target, err)
			}
			if _, err := io.Copy(w, tr); err != nil {
				w.Close()
				return fmt.Errorf("archive: write %s: %w", target, err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("archive: close %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := root.CreateDirAll(path.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: create parent for %s: %w", target, err)
			}
			if err := root.SymlinkCreate(target, hdr.Linkname); err != nil {
				return fmt.Errorf("archive: symlink %s: %w", target, err)
			}
		default:
			// Devices, fifos, hardlinks and anything else the original
			// doesn't support on extraction: ignored, not an error.
		}
	}
}

// CreateTarOptions configures CreateTar.
type CreateTarOptions struct {
	// WalkOptions controls ignore/hidden/symlink handling during the walk
	// that enumerates what to archive.
	WalkOptions walker.Options
}

// CreateTar walks baseRel within root and writes a GNU-format tar stream
// to w, per §4.D "Compression (tar)". Mode and mtime come from each
// entry's metadata; directories and symlinks are written with size 0;
// regular file contents stream from the confined root.
func CreateTar(ctx context.Context, root *confinedfs.Root, baseRel string, w io.Writer, opts CreateTarOptions) error {
	tw := tar.NewWriter(w)
	if err := WriteTarEntries(ctx, root, tw, []string{baseRel}, opts); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: finalize tar: %w", err)
	}
	return nil
}

// WriteTarEntries walks each of baseRels in turn and writes their entries
// to an already-open tar.Writer, without closing it. It is CreateTar's
// single-path case generalized to the exec channel's "cd base ; tar
// path1 path2 ..." shortcut (§4.H), which archives an explicit list of
// paths under one base directory rather than a whole subtree.
func WriteTarEntries(ctx context.Context, root *confinedfs.Root, tw *tar.Writer, baseRels []string, opts CreateTarOptions) error {
	for _, baseRel := range baseRels {
		err := walker.Walk(ctx, root, baseRel, opts.WalkOptions, func(ctx context.Context, isDir bool, relPath string) error {
			return writeTarEntry(ctx, root, tw, relPath, isDir)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeTarEntry(ctx context.Context, root *confinedfs.Root, tw *tar.Writer, relPath string, isDir bool) error {
	fi, err := root.SymlinkMetadata(relPath)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", relPath, err)
	}

	hdr := &tar.Header{
		Name:     relPath,
		Mode:     fileModeToTarMode(fi.Mode()),
		ModTime:  time.Unix(fi.ModTime().Unix(), 0),
		Format:   tar.FormatGNU,
		Typeflag: tar.TypeReg,
	}

	switch {
	case isDir:
		hdr.Name += "/"
		hdr.Typeflag = tar.TypeDir
		hdr.Size = 0
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := root.ReadLinkContents(relPath)
		if err != nil {
			return fmt.Errorf("archive: readlink %s: %w", relPath, err)
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Size = 0
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = fi.Size()
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header for %s: %w", relPath, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := root.OpenForRead(ctx, relPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", relPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: stream %s: %w", relPath, err)
	}
	return nil
}
