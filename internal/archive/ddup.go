package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
)

// DdupEntry is one node of a ddup archive's manifest tree: a content-
// addressed format grounded in moby's content-addressed image layer model
// (image/v1, distribution/xfer) adapted to a flat per-file store keyed by
// SHA-256, the same shape restic's own chunk store uses. A ddup archive on
// disk is a directory: manifest.json plus an objects/<2-hex-prefix>/<hash>
// blob store, so identical file contents across many entries (or many
// backups of the same server) are stored once.
type DdupEntry struct {
	Name       string      `json:"name"`
	IsDir      bool        `json:"is_dir"`
	Mode       fs.FileMode `json:"mode"`
	Mtime      time.Time   `json:"mtime"`
	LinkTarget string      `json:"link_target,omitempty"`
	ContentSHA string      `json:"content_sha256,omitempty"`
	Size       int64       `json:"size,omitempty"`
	Children   []DdupEntry `json:"children,omitempty"`
}

// DdupManifest is the root of a ddup archive.
type DdupManifest struct {
	Root DdupEntry `json:"root"`
}

func loadDdupManifest(archiveDir string) (*DdupManifest, error) {
	data, err := os.ReadFile(filepath.Join(archiveDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("archive: read ddup manifest: %w", err)
	}
	var m DdupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("archive: parse ddup manifest: %w", err)
	}
	return &m, nil
}

func ddupBlobPath(archiveDir, sha string) string {
	prefix := sha
	if len(prefix) > 2 {
		prefix = sha[:2]
	}
	return filepath.Join(archiveDir, "objects", prefix, sha)
}

// ExtractDdup traverses a ddup manifest recursively: directories are
// created eagerly as they're visited; regular files are collected and
// handed to the shared worker pool, one task per file, per §4.D "ddup".
func ExtractDdup(ctx context.Context, root *confinedfs.Root, archiveDir, destRel string, matcher *ignore.Matcher, workers int) error {
	manifest, err := loadDdupManifest(archiveDir)
	if err != nil {
		return err
	}

	var members []member
	var walkTree func(entry DdupEntry, destPrefix string) error
	walkTree = func(entry DdupEntry, destPrefix string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := destPrefix
		if entry.Name != "" {
			target = path.Join(destPrefix, entry.Name)
		}
		if matcher != nil {
			ignored, err := matcher.Matches(target, entry.IsDir)
			if err == nil && ignored {
				return nil
			}
		}
		if entry.IsDir {
			if target != "" {
				if err := root.CreateDirAll(target, entry.Mode.Perm()); err != nil {
					return fmt.Errorf("archive: create dir %s: %w", target, err)
				}
			}
			for _, child := range entry.Children {
				if err := walkTree(child, target); err != nil {
					return err
				}
			}
			return nil
		}
		if entry.Mode&fs.ModeSymlink != 0 {
			if err := root.CreateDirAll(path.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: create parent for %s: %w", target, err)
			}
			return root.SymlinkCreate(target, entry.LinkTarget)
		}
		blobPath := ddupBlobPath(archiveDir, entry.ContentSHA)
		members = append(members, member{
			name:  target,
			mode:  entry.Mode,
			size:  entry.Size,
			opener: func() (fileReader, error) {
				return os.Open(blobPath)
			},
		})
		return nil
	}

	if err := walkTree(manifest.Root, destRel); err != nil {
		return err
	}

	return runWorkerPool(ctx, members, workers, func(m member) error {
		if err := root.CreateDirAll(path.Dir(m.name), 0o755); err != nil {
			return fmt.Errorf("archive: create parent for %s: %w", m.name, err)
		}
		return extractMember(ctx, root, m)
	})
}
