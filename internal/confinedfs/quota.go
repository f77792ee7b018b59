package confinedfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/wingsd/wingsd/internal/wingserr"
)

// UsageBytes returns the root's current tracked byte usage. The counter is
// authoritative at runtime (maintained incrementally by QuotaWriter and
// Delete) and is only re-derived by walking the tree in RefreshUsage, which
// callers run once at daemon boot (§4.B "the counter ... is refreshed on
// startup by walking the tree").
func (r *Root) UsageBytes() int64 { return r.used.Load() }

// SetQuota changes the enforced byte limit. quota <= 0 disables enforcement.
func (r *Root) SetQuota(quota int64) { r.quota = quota }

// RefreshUsage walks the entire base directory and resets the usage counter
// to the true total size of all regular files found. It does not use
// internal/walker (which is ignore-aware and meant for user-facing listing)
// — quota accounting counts every byte on disk regardless of ignore rules.
func (r *Root) RefreshUsage() error {
	var total int64
	err := filepath.WalkDir(r.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip entries that vanished or became unreadable mid-walk;
			// matches §4.C "errors on individual entries are skipped".
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("confinedfs: refresh usage: %w", err)
	}
	r.used.Store(total)
	return nil
}

// Delete removes relPath (a regular file) and decrements the usage counter
// by its size.
func (r *Root) Delete(relPath string) error {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return err
	}
	fi, statErr := os.Lstat(resolved)
	if err := os.Remove(resolved); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return fmt.Errorf("confinedfs: delete %s: %w", relPath, err)
	}
	if statErr == nil && fi.Mode().IsRegular() {
		r.used.Add(-fi.Size())
	}
	return nil
}

// QuotaWriter wraps an *os.File opened via Root.CreateForWrite. A Write
// that would push the root's tracked usage past its quota is partially
// accepted up to the quota boundary, then fails with ErrQuotaExceeded for
// the remainder (per §8 scenario 3: usage lands exactly at quota, not at
// whatever was already written). The counter is incremented as data is
// accepted, not just at Close, so concurrent writers observe an
// up-to-date total.
type QuotaWriter struct {
	root     *Root
	f        *os.File
	path     string
	mtime    *time.Time
	written  int64
	reserved int64 // bytes already counted into root.used by this writer
}

func newQuotaWriter(root *Root, f *os.File, path string, mtime *time.Time) *QuotaWriter {
	return &QuotaWriter{root: root, f: f, path: path, mtime: mtime}
}

// Write fills up to the quota boundary before refusing the rest: a write
// that fits entirely under quota is accepted whole; a write that doesn't
// fit is truncated to the remaining headroom, written, and reported back
// with ErrQuotaExceeded so the caller sees both the short count and the
// reason, per io.Writer's "non-nil error if n < len(p)" contract.
func (w *QuotaWriter) Write(p []byte) (int, error) {
	toWrite := p
	var quotaErr error
	if w.root.quota > 0 {
		remaining := w.root.quota - w.root.used.Load()
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: writing %d bytes to %s would exceed quota", wingserr.ErrQuotaExceeded, len(p), w.path)
		}
		if int64(len(p)) > remaining {
			toWrite = p[:remaining]
			quotaErr = fmt.Errorf("%w: writing %d bytes to %s would exceed quota", wingserr.ErrQuotaExceeded, len(p), w.path)
		}
	}
	n, err := w.f.Write(toWrite)
	if n > 0 {
		w.root.used.Add(int64(n))
		w.reserved += int64(n)
		w.written += int64(n)
	}
	if err != nil {
		return n, err
	}
	return n, quotaErr
}

// WriteAt supports the SFTP gateway's random-access writes. Unlike Write,
// it does not pre-check the quota before writing (the resulting file size
// isn't known in advance for a sparse or overwriting WriteAt), so a quota
// can be transiently exceeded by a single WriteAt call; the counter is
// still kept accurate by diffing the file size before and after.
func (w *QuotaWriter) WriteAt(p []byte, off int64) (int, error) {
	before, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("confinedfs: stat %s before write: %w", w.path, err)
	}
	n, err := w.f.WriteAt(p, off)
	if n > 0 {
		if after, statErr := w.f.Stat(); statErr == nil {
			if delta := after.Size() - before.Size(); delta > 0 {
				w.root.used.Add(delta)
				w.reserved += delta
				w.written += delta
			}
		}
	}
	return n, err
}

// Close flushes and closes the underlying file, applying the configured
// mtime (if any) after the final write.
func (w *QuotaWriter) Close() error {
	if w.mtime != nil {
		if err := os.Chtimes(w.path, *w.mtime, *w.mtime); err != nil {
			w.f.Close()
			return fmt.Errorf("confinedfs: set mtime on %s: %w", w.path, err)
		}
	}
	return w.f.Close()
}

// BytesWritten returns the number of bytes accepted so far.
func (w *QuotaWriter) BytesWritten() int64 { return w.written }
