package archive

import (
	"context"
	"fmt"
	"path"

	"github.com/bodgit/sevenzip"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
	"github.com/wingsd/wingsd/internal/ioutil"
)

// ExtractSevenZip extracts a 7z archive using the same worker-pool shape as
// ExtractZip (§4.D "zip / 7z" groups both formats under one algorithm).
// github.com/bodgit/sevenzip is read-only, which matches this engine's
// needs — wingsd never creates 7z archives, only extracts ones a server
// operator uploaded.
func ExtractSevenZip(ctx context.Context, root *confinedfs.Root, archivePath, destRel string, matcher *ignore.Matcher, workers int) error {
	primary, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open 7z %s: %w", archivePath, err)
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
		isDir := zf.FileInfo().IsDir()
		if matcher != nil {
			ignored, err := matcher.Matches(target, isDir)
			if err == nil && ignored {
				continue
			}
		}
		members = append(members, member{
			name:  target,
			mode:  zf.FileInfo().Mode(),
			isDir: isDir,
			size:  int64(zf.FileInfo().Size()),
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
				zr, err := sevenzip.NewReader(f, fi.Size())
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
