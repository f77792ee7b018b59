package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
)

// ExtractOptions configures Extract.
type ExtractOptions struct {
	// Workers is the zip/7z worker pool size (§4.D: configured
	// file_decompression_threads, or restore_threads for backups).
	Workers int
	// Matcher, if non-nil, is consulted for every entry; ignored entries
	// are skipped entirely.
	Matcher *ignore.Matcher
}

// Extract opens archivePath (resolved against root), detects its container
// format from the filename and its compression from the leading bytes, and
// extracts into destRel. ddup archives are directories rather than single
// files, so archivePath names the directory in that case.
func Extract(ctx context.Context, root *confinedfs.Root, archiveRelPath, destRel string, opts ExtractOptions) error {
	container := DetectContainer(archiveRelPath)
	absPath, err := archiveAbsPath(root, archiveRelPath)
	if err != nil {
		return err
	}

	switch container {
	case ContainerDdup:
		return ExtractDdup(ctx, root, absPath, destRel, opts.Matcher, opts.Workers)
	case ContainerZip:
		return ExtractZip(ctx, root, absPath, destRel, opts.Matcher, opts.Workers)
	case ContainerSevenZip:
		return ExtractSevenZip(ctx, root, absPath, destRel, opts.Matcher, opts.Workers)
	case ContainerRar:
		return ExtractRar(ctx, root, absPath, destRel, opts.Matcher)
	case ContainerTar:
		f, err := root.OpenForRead(ctx, archiveRelPath)
		if err != nil {
			return fmt.Errorf("archive: open %s: %w", archiveRelPath, err)
		}
		defer f.Close()
		compression, br, err := DetectCompression(f)
		if err != nil {
			return err
		}
		dec, err := Decompress(compression, br)
		if err != nil {
			return fmt.Errorf("archive: init decompressor: %w", err)
		}
		return ExtractTar(ctx, root, dec, destRel, opts.Matcher)
	default:
		return fmt.Errorf("archive: unrecognised container for %s", archiveRelPath)
	}
}

// archiveAbsPath resolves a confined-root-relative archive path to an
// absolute on-disk path for libraries (archive/zip, bodgit/sevenzip,
// nwaples/rardecode) that require direct, seekable file access rather than
// a stream — these still never escape the confined root, since the path
// they receive was itself produced by the root's own symlink-safe
// resolution.
func archiveAbsPath(root *confinedfs.Root, relPath string) (string, error) {
	if _, err := root.Metadata(relPath); err != nil {
		return "", err
	}
	canon, err := root.Canonicalize(relPath)
	if err != nil {
		return "", err
	}
	return rootJoin(root, canon), nil
}

func rootJoin(root *confinedfs.Root, rel string) string {
	if rel == "." || rel == "" {
		return root.Base()
	}
	return root.Base() + string(os.PathSeparator) + rel
}
