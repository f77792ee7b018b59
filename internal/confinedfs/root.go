// Package confinedfs implements the confined filesystem capability (§4.B):
// a handle on a server's data directory that resolves every caller-supplied
// path against that directory with symlink safety, so a server's files can
// never be read, written, or renamed outside its own root — not even via a
// symlink planted mid-path by the server's own software.
package confinedfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moby/sys/symlink"

	"github.com/wingsd/wingsd/internal/ignore"
	"github.com/wingsd/wingsd/internal/wingserr"
)

// Root is an opened capability on a base directory. Every exported method
// takes a path relative to the base and resolves it through
// github.com/moby/sys/symlink's FollowSymlinkInScope before touching the
// filesystem, so neither an absolute symlink target nor a `..` component
// anywhere along the chain can walk the resolved path outside base.
//
// A Root additionally owns quota accounting (quota.go) and the composed
// ignore matcher (ignore.go); both are safe for concurrent use from the
// synchronous call sites and from goroutines started via
// golang.org/x/sync/errgroup, matching the single-implementation collapse
// of the original's sync/async API duality.
type Root struct {
	base string

	mu      sync.RWMutex
	matcher *ignore.Matcher

	used  atomic.Int64
	quota int64 // bytes; <= 0 means unlimited
}

// New opens base (which must already exist) as a confined root. quota <= 0
// disables quota enforcement. The initial ignore matcher is built from
// overrides only; callers normally follow with RefreshUsage and
// SetIgnoreOverrides once the server config is available.
func New(base string, quota int64, overrides []string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("confinedfs: resolve base %s: %w", base, err)
	}
	abs = filepath.Clean(abs)
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		return nil, fmt.Errorf("confinedfs: open base %s: %w", abs, err)
	}
	m, err := ignore.New(overrides)
	if err != nil {
		return nil, fmt.Errorf("confinedfs: compile ignore overrides: %w", err)
	}
	r := &Root{base: abs, matcher: m, quota: quota}
	return r, nil
}

// Base returns the confined root's absolute base directory. Intended for
// logging and for handing the raw path to subprocesses (snapshot CLI,
// container runtime) that must themselves see the real filesystem path.
func (r *Root) Base() string { return r.base }

// resolve turns a caller-supplied relative path into an absolute path
// guaranteed to sit inside r.base after symlink resolution. Per §4.B, a
// path that would resolve outside base is reported as ErrNotFound —
// identical to a genuinely missing path, so callers cannot use the error
// shape to distinguish "missing" from "escape attempt".
//
// A caller path that lexically leaves base (e.g. "../x") is rejected by
// FollowSymlinkInScope itself. A symlink met along the way is clamped to
// stay within root (chroot-style) rather than failing: an absolute target
// or a `..` past the top is re-rooted at base, so such an escape resolves
// to the in-scope path of that name and reports ErrNotFound only when that
// path does not exist. The containment check below is a second guard on
// the resolved result; it does not detect a clamped symlink.
func (r *Root) resolve(relPath string) (string, error) {
	if relPath == "" || relPath == "." {
		return r.base, nil
	}
	joined := filepath.Join(r.base, relPath)
	resolved, err := symlink.FollowSymlinkInScope(joined, r.base)
	if err != nil {
		return "", fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
	}
	if !withinBase(r.base, resolved) {
		return "", fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
	}
	return resolved, nil
}

// withinBase reports whether resolved is base itself or a descendant of it.
func withinBase(base, resolved string) bool {
	if resolved == base {
		return true
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Canonicalize resolves relPath and returns it relative to the base, or
// fails with ErrNotFound if it escapes the root.
func (r *Root) Canonicalize(relPath string) (string, error) {
	resolved, err := r.resolve(relPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", wingserr.ErrNotFound, relPath)
	}
	return rel, nil
}
