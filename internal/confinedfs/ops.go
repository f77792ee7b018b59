package confinedfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wingsd/wingsd/internal/wingserr"
)

// OpenForRead opens relPath for reading. ctx is honoured only to the extent
// that it is checked before the (cheap, local) open call — streaming reads
// from the returned file are the caller's responsibility to bound with ctx
// if needed (see internal/ioutil.LimitedReader).
func (r *Root) OpenForRead(ctx context.Context, relPath string) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("confinedfs: open %s: %w", relPath, err)
	}
	return f, nil
}

// WriteOptions configures CreateForWrite.
type WriteOptions struct {
	Perm  os.FileMode // zero means 0644
	Mtime *time.Time  // nil leaves mtime at "now", set by the OS
}

// CreateForWrite creates (or truncates) relPath for writing, returning a
// QuotaWriter that enforces the root's byte quota on every Write and keeps
// the usage counter authoritative. Parent directories are NOT created —
// callers that need them call CreateDirAll first, matching §4.D's tar/zip
// extraction dispatch (directories are created before their children).
func (r *Root) CreateForWrite(ctx context.Context, relPath string, opts WriteOptions) (*QuotaWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := r.resolveForCreate(relPath)
	if err != nil {
		return nil, err
	}
	perm := opts.Perm
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("confinedfs: create %s: %w", relPath, err)
	}
	if opts.Perm != 0 {
		if err := f.Chmod(opts.Perm); err != nil {
			f.Close()
			return nil, fmt.Errorf("confinedfs: chmod %s: %w", relPath, err)
		}
	}
	return newQuotaWriter(r, f, resolved, opts.Mtime), nil
}

// resolveForCreate resolves a path whose final component may not yet
// exist: it resolves the parent directory through the symlink-safe path
// and joins the final element back on, so FollowSymlinkInScope's
// requirement of an existing target doesn't block file creation.
func (r *Root) resolveForCreate(relPath string) (string, error) {
	dir, base := filepath.Split(filepath.Clean(relPath))
	resolvedDir, err := r.resolve(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// SymlinkCreate creates a symlink at relPath pointing at target. target is
// stored verbatim (it is never itself resolved against the root — only
// later traversal through it is confined).
func (r *Root) SymlinkCreate(relPath, target string) error {
	resolved, err := r.resolveForCreate(relPath)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, resolved); err != nil {
		return fmt.Errorf("confinedfs: symlink %s: %w", relPath, err)
	}
	return nil
}

// SetPermissions chmods relPath.
func (r *Root) SetPermissions(relPath string, mode os.FileMode) error {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(resolved, mode); err != nil {
		return fmt.Errorf("confinedfs: chmod %s: %w", relPath, err)
	}
	return nil
}

// CreateDirAll creates relPath and any missing parents.
func (r *Root) CreateDirAll(relPath string, perm os.FileMode) error {
	resolved, err := r.resolveForCreate(relPath)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o755
	}
	if err := os.MkdirAll(resolved, perm); err != nil {
		return fmt.Errorf("confinedfs: mkdir -p %s: %w", relPath, err)
	}
	return nil
}

// ReadDir lists the immediate children of relPath.
func (r *Root) ReadDir(relPath string) ([]os.DirEntry, error) {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("confinedfs: read dir %s: %w", relPath, err)
	}
	return entries, nil
}

// Metadata stats relPath, dereferencing a trailing symlink.
func (r *Root) Metadata(relPath string) (os.FileInfo, error) {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("confinedfs: stat %s: %w", relPath, err)
	}
	return fi, nil
}

// SymlinkMetadata lstats relPath, returning the link itself rather than
// dereferencing it.
func (r *Root) SymlinkMetadata(relPath string) (os.FileInfo, error) {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("confinedfs: lstat %s: %w", relPath, err)
	}
	return fi, nil
}

// ReadLinkContents returns a symlink's stored target verbatim, without
// dereferencing it.
func (r *Root) ReadLinkContents(relPath string) (string, error) {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
		}
		return "", fmt.Errorf("confinedfs: readlink %s: %w", relPath, err)
	}
	return target, nil
}

// Rename moves oldRel to newRel, both resolved within the confined root.
// Per §4.B, a rename-out of an ignored path is the one write operation
// permitted on ignored paths — Rename itself does not consult the ignore
// matcher; callers that must enforce "write to ignored paths fails except
// for rename-out" do so at the call site (internal/sftpd, internal/server)
// where the distinction between "rename out" and "write in place" is known.
func (r *Root) Rename(oldRel, newRel string) error {
	oldResolved, err := r.resolve(oldRel)
	if err != nil {
		return err
	}
	newResolved, err := r.resolveForCreate(newRel)
	if err != nil {
		return err
	}
	if err := os.Rename(oldResolved, newResolved); err != nil {
		return fmt.Errorf("confinedfs: rename %s -> %s: %w", oldRel, newRel, err)
	}
	return nil
}
