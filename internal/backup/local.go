package backup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
	"github.com/wingsd/wingsd/internal/ioutil"
	"github.com/wingsd/wingsd/internal/walker"
)

// LocalAdapter writes backups as a compressed tar (or zip) directly into
// the server's own confined root, under backupsDir, per §4.E "Local".
type LocalAdapter struct {
	root         *confinedfs.Root
	backupsDir   string
	container    archive.Container // ContainerTar or ContainerZip
	compression  archive.Compression
	level        archive.LevelPreset
	writeLimitBS int64 // bytes/sec; 0 disables
	matcher      *ignore.Matcher
}

// NewLocalAdapter constructs a LocalAdapter. container must be
// ContainerTar or ContainerZip; compression is ignored for zip (each entry
// is independently deflated).
func NewLocalAdapter(root *confinedfs.Root, backupsDir string, container archive.Container, compression archive.Compression, level archive.LevelPreset, writeLimitBytesPerSec int64, matcher *ignore.Matcher) *LocalAdapter {
	return &LocalAdapter{
		root:         root,
		backupsDir:   backupsDir,
		container:    container,
		compression:  compression,
		level:        level,
		writeLimitBS: writeLimitBytesPerSec,
		matcher:      matcher,
	}
}

func (a *LocalAdapter) extension() string {
	switch a.container {
	case archive.ContainerZip:
		return ".zip"
	default:
		switch a.compression {
		case archive.CompressionGzip:
			return ".tar.gz"
		case archive.CompressionZstd:
			return ".tar.zst"
		default:
			return ".tar"
		}
	}
}

func (a *LocalAdapter) pathFor(uuid string) string {
	return path.Join(a.backupsDir, uuid+a.extension())
}

// Create writes a new backup and returns its checksum and size.
func (a *LocalAdapter) Create(ctx context.Context, uuid string, progress ProgressFunc) (RawServerBackup, error) {
	if err := a.root.CreateDirAll(a.backupsDir, 0o755); err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: create backups dir: %w", err)
	}
	rel := a.pathFor(uuid)

	w, err := a.root.CreateForWrite(ctx, rel, confinedfs.WriteOptions{})
	if err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: open %s: %w", rel, err)
	}

	var written atomic.Int64
	countingOuter := ioutil.NewCountingWriter(w, &written)
	var outer io.Writer = countingOuter
	if a.writeLimitBS > 0 {
		outer = ioutil.NewLimitedWriter(ctx, outer, a.writeLimitBS)
	}
	progressDone := make(chan struct{})
	if progress != nil {
		go reportProgress(progressDone, &written, progress)
		defer close(progressDone)
	}

	walkOpts := walker.DefaultOptions()
	var archErr error
	switch a.container {
	case archive.ContainerZip:
		archErr = archive.CreateZip(ctx, a.root, ".", outer, a.level.Level(archive.CompressionGzip), archive.CreateTarOptions{WalkOptions: walkOpts})
	default:
		var compressed io.Writer = outer
		var closeCompressed func() error
		switch a.compression {
		case archive.CompressionGzip:
			gw, err := newGzipWriter(outer, a.level.Level(archive.CompressionGzip))
			if err != nil {
				w.Close()
				return RawServerBackup{}, fmt.Errorf("backup: init gzip: %w", err)
			}
			compressed = gw
			closeCompressed = gw.Close
		case archive.CompressionZstd:
			zw, err := newZstdWriter(outer, a.level.Level(archive.CompressionZstd))
			if err != nil {
				w.Close()
				return RawServerBackup{}, fmt.Errorf("backup: init zstd: %w", err)
			}
			compressed = zw
			closeCompressed = zw.Close
		}
		archErr = archive.CreateTar(ctx, a.root, ".", compressed, archive.CreateTarOptions{WalkOptions: walkOpts})
		if archErr == nil && closeCompressed != nil {
			archErr = closeCompressed()
		}
	}
	if archErr != nil {
		w.Close()
		return RawServerBackup{}, fmt.Errorf("backup: write archive: %w", archErr)
	}
	if err := w.Close(); err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: finalize %s: %w", rel, err)
	}

	sum, size, err := a.sha1File(ctx, rel)
	if err != nil {
		return RawServerBackup{}, err
	}
	return RawServerBackup{Checksum: sum, ChecksumType: "sha1", Size: size, Successful: true}, nil
}

func (a *LocalAdapter) sha1File(ctx context.Context, rel string) (string, int64, error) {
	f, err := a.root.OpenForRead(ctx, rel)
	if err != nil {
		return "", 0, fmt.Errorf("backup: reopen %s for checksum: %w", rel, err)
	}
	defer f.Close()
	h := sha1.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("backup: checksum %s: %w", rel, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Restore detects which of {.tar, .tar.gz, .tar.zst, .zip} exists for uuid
// and decompresses accordingly, per §4.E.
func (a *LocalAdapter) Restore(ctx context.Context, uuid string, progress ProgressFunc) error {
	for _, ext := range []string{".tar", ".tar.gz", ".tar.zst", ".zip"} {
		rel := path.Join(a.backupsDir, uuid+ext)
		if _, err := a.root.Metadata(rel); err != nil {
			continue
		}
		return archive.Extract(ctx, a.root, rel, ".", archive.ExtractOptions{Workers: 4, Matcher: a.matcher})
	}
	return fmt.Errorf("backup: no backup file found for %s", uuid)
}

// Download opens the backup file for streaming to an HTTP response.
func (a *LocalAdapter) Download(ctx context.Context, uuid string) (int, map[string][]string, io.ReadCloser, error) {
	for _, ext := range []string{".tar", ".tar.gz", ".tar.zst", ".zip"} {
		rel := path.Join(a.backupsDir, uuid+ext)
		if fi, err := a.root.Metadata(rel); err == nil {
			f, err := a.root.OpenForRead(ctx, rel)
			if err != nil {
				return 0, nil, nil, err
			}
			headers := map[string][]string{
				"Content-Length": {fmt.Sprintf("%d", fi.Size())},
				"Content-Type":   {contentTypeFor(ext)},
			}
			return 200, headers, f, nil
		}
	}
	return 404, nil, nil, fmt.Errorf("backup: no backup file found for %s", uuid)
}

// Delete removes uuid's backup file, trying every known extension.
func (a *LocalAdapter) Delete(ctx context.Context, uuid string) error {
	var lastErr error
	found := false
	for _, ext := range []string{".tar", ".tar.gz", ".tar.zst", ".zip"} {
		rel := path.Join(a.backupsDir, uuid+ext)
		if err := a.root.Delete(rel); err == nil {
			found = true
		} else if _, statErr := a.root.Metadata(rel); statErr == nil {
			lastErr = err
		}
	}
	if !found && lastErr != nil {
		return lastErr
	}
	return nil
}

// List returns the uuids of every local backup found under backupsDir.
func (a *LocalAdapter) List(ctx context.Context) ([]string, error) {
	entries, err := a.root.ReadDir(a.backupsDir)
	if err != nil {
		return nil, nil
	}
	seen := map[string]bool{}
	var uuids []string
	for _, e := range entries {
		name := e.Name()
		for _, ext := range []string{".tar.gz", ".tar.zst", ".tar", ".zip"} {
			if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
				uuid := name[:len(name)-len(ext)]
				if !seen[uuid] {
					seen[uuid] = true
					uuids = append(uuids, uuid)
				}
				break
			}
		}
	}
	return uuids, nil
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".zip":
		return "application/zip"
	case ".tar.gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// reportProgress samples counter once a second until done is closed,
// giving Create's caller a running total while the archive writer is
// still in flight. total is unknown ahead of time for a fresh backup, so
// it is reported equal to done — matching what the original interleaves
// through its own progress callback for the same reason.
func reportProgress(done <-chan struct{}, counter *atomic.Int64, progress ProgressFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			progress(counter.Load(), counter.Load())
			return
		case <-ticker.C:
			progress(counter.Load(), counter.Load())
		}
	}
}
