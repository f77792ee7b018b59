package confinedfs

import (
	"fmt"
	"path/filepath"

	"github.com/wingsd/wingsd/internal/ignore"
)

// SetIgnoreOverrides recompiles the root's ignore matcher from the panel's
// configured override list, discarding any previously merged .pteroignore
// rules — callers that need both read ReadPteroignoreBytes afterwards and
// merge it via (*ignore.Matcher).WithPteroignore.
func (r *Root) SetIgnoreOverrides(overrides []string) error {
	m, err := ignore.New(overrides)
	if err != nil {
		return fmt.Errorf("confinedfs: recompile overrides: %w", err)
	}
	r.mu.Lock()
	r.matcher = m
	r.mu.Unlock()
	return nil
}

// Matcher returns the root's current ignore matcher (override rules only,
// no .pteroignore). Matcher values are never mutated in place — New and
// WithPteroignore always produce a fresh instance — so the returned pointer
// is safe to read and to compose against without further locking.
func (r *Root) Matcher() *ignore.Matcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matcher
}

// ReadPteroignoreBytes returns the raw contents of dirRel's .pteroignore
// file, or nil if it has none. Callers that walk a subtree fold this into
// their own composed matcher via (*ignore.Matcher).WithPteroignore rather
// than through the root's matcher, since a .pteroignore's rules are scoped
// to the directory it lives in and below, not global.
func (r *Root) ReadPteroignoreBytes(dirRel string) ([]byte, error) {
	resolved, err := r.resolve(dirRel)
	if err != nil {
		return nil, err
	}
	data, err := ignore.LoadPteroignore(filepath.Join(resolved, ignore.IgnoreFileName))
	if err != nil {
		return nil, fmt.Errorf("confinedfs: load .pteroignore at %s: %w", dirRel, err)
	}
	return data, nil
}

// IsIgnored reports whether relPath is ignored under the root's current
// override-only matcher (no per-directory .pteroignore is consulted — merge
// the bytes returned by ReadPteroignoreBytes when walking a subtree that may
// carry its own ignore file).
func (r *Root) IsIgnored(relPath string, isDir bool) (bool, error) {
	r.mu.RLock()
	m := r.matcher
	r.mu.RUnlock()
	return m.Matches(relPath, isDir)
}
