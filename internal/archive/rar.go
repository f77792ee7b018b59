package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/nwaples/rardecode/v2"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
)

// ExtractRar extracts a rar archive sequentially — the underlying library
// is not re-entrant, so unlike zip/7z this format gets no worker pool, per
// §4.D "rar".
func ExtractRar(ctx context.Context, root *confinedfs.Root, archivePath, destRel string, matcher *ignore.Matcher) error {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open rar %s: %w", archivePath, err)
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read rar entry: %w", err)
		}
		if path.IsAbs(hdr.Name) {
			continue
		}
		target := path.Join(destRel, hdr.Name)
		isDir := hdr.IsDir
		if matcher != nil {
			ignored, err := matcher.Matches(target, isDir)
			if err == nil && ignored {
				continue
			}
		}
		if isDir {
			if err := root.CreateDirAll(target, fs.FileMode(hdr.Mode())); err != nil {
				return fmt.Errorf("archive: create dir %s: %w", target, err)
			}
			continue
		}
		if err := root.CreateDirAll(path.Dir(target), 0o755); err != nil {
			return fmt.Errorf("archive: create parent for %s: %w", target, err)
		}
		w, err := root.CreateForWrite(ctx, target, confinedfs.WriteOptions{Perm: fs.FileMode(hdr.Mode())})
		if err != nil {
			return fmt.Errorf("archive: create %s: %w", target, err)
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return fmt.Errorf("archive: write %s: %w", target, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("archive: close %s: %w", target, err)
		}
	}
}
