// Package walker implements the confined-root-aware directory walk (§4.C):
// a depth-first traversal driven entirely through internal/confinedfs's
// capability handle, so a walk can never step outside the root it started
// from, and ignore rules (server overrides, per-directory .pteroignore, and
// any caller-supplied overrides) are applied uniformly along the way.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ignore"
)

// Options configures a walk. The zero value is not usable directly — call
// DefaultOptions and override individual fields.
type Options struct {
	// FollowSymlinks is consulted for entries that are both symlinks and
	// directories. A symlink's directory entry never reports a directory,
	// so symlinked directories are yielded with isDir false and are not
	// descended, whichever value is set. §4.C default: false.
	FollowSymlinks bool
	// IncludeHidden yields dotfiles/dotdirs. §4.C default: true.
	IncludeHidden bool
	// HonourPteroignore merges each directory's .pteroignore file into the
	// matcher used for its subtree. §4.C default: true.
	HonourPteroignore bool
	// HonourIgnoreMatcher applies the root's configured ignore rules at
	// all; when false, no ignore rule of any source is applied.
	HonourIgnoreMatcher bool
	// ExtraOverrides are additional gitignore-style rules supplied by the
	// caller for this walk only (not persisted on the root).
	ExtraOverrides []string
}

// DefaultOptions returns §4.C's documented defaults.
func DefaultOptions() Options {
	return Options{
		FollowSymlinks:      false,
		IncludeHidden:       true,
		HonourPteroignore:   true,
		HonourIgnoreMatcher: true,
	}
}

// VisitFunc is called once per entry encountered, in depth-first order,
// with relPath relative to the confined root (forward-slash separated
// regardless of host OS). Returning an error aborts the walk; per §4.C,
// errors raised by the underlying filesystem on individual entries are
// instead skipped automatically and never reach VisitFunc as a failure.
type VisitFunc func(ctx context.Context, isDir bool, relPath string) error

// Walk traverses startRel (relative to root) depth-first, calling fn for
// every entry found. It shares its ignore state with any synchronous
// caller of root's IsIgnored — the "AsyncWalkDir"/"WalkDir" split in §4.C
// collapses to this single context-aware function. fn itself is free to
// hand work off to a golang.org/x/sync/errgroup-managed pool (as
// internal/archive's tar/zip creators do) since Walk only ever calls fn
// sequentially from the traversal goroutine.
func Walk(ctx context.Context, root *confinedfs.Root, startRel string, opts Options, fn VisitFunc) error {
	base := root.Matcher()
	if opts.HonourIgnoreMatcher && len(opts.ExtraOverrides) > 0 {
		merged, err := base.WithPteroignore([]byte(strings.Join(opts.ExtraOverrides, "\n")))
		if err != nil {
			return fmt.Errorf("walker: compile extra overrides: %w", err)
		}
		base = merged
	}
	if !opts.HonourIgnoreMatcher {
		base = nil
	}
	return walkDir(ctx, root, cleanRel(startRel), opts, base, fn)
}

// walkDir recurses with m as the ignore matcher in effect for this
// directory's children — already composed with any .pteroignore found in
// parent directories. m is nil when ignore checking is disabled entirely.
func walkDir(ctx context.Context, root *confinedfs.Root, relPath string, opts Options, m *ignore.Matcher, fn VisitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := root.ReadDir(relPath)
	if err != nil {
		// §4.C: errors on individual entries are skipped, not propagated.
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		childRel := path.Join(relPath, name)
		isSymlink := entry.Type()&fs.ModeSymlink != 0
		isDir := entry.IsDir()

		if m != nil {
			ignored, err := m.Matches(childRel, isDir)
			if err != nil {
				continue
			}
			if ignored {
				continue
			}
		}

		if err := fn(ctx, isDir, childRel); err != nil {
			return err
		}

		if !isDir {
			continue
		}
		if isSymlink && !opts.FollowSymlinks {
			continue
		}

		childMatcher := m
		if opts.HonourPteroignore && m != nil {
			data, err := root.ReadPteroignoreBytes(childRel)
			if err == nil && data != nil {
				// Anchor each rule under childRel, where its file lives.
				var scoped []string
				for _, rule := range strings.Split(string(data), "\n") {
					rule = strings.TrimSpace(rule)
					neg := strings.HasPrefix(rule, "!")
					if rule = strings.TrimPrefix(rule, "!"); rule == "" || rule[0] == '#' {
						continue
					}
					if !strings.Contains(strings.TrimSuffix(rule, "/"), "/") {
						rule = "**/" + rule
					}
					if rule = path.Join(childRel, rule); neg {
						rule = "!" + rule
					}
					scoped = append(scoped, rule)
				}
				if merged, err := m.WithPteroignore([]byte(strings.Join(scoped, "\n"))); err == nil {
					childMatcher = merged
				}
			}
		}
		if err := walkDir(ctx, root, childRel, opts, childMatcher, fn); err != nil {
			return err
		}
	}
	return nil
}

func cleanRel(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "."
	}
	return path.Clean(p)
}
