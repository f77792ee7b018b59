// Package ignore compiles a server's ignore rules — panel-configured
// overrides plus any .pteroignore files discovered while walking — into one
// gitignore-semantics matcher (§4.B IgnoreMatcher).
//
// Matching itself is delegated to github.com/moby/patternmatcher, the same
// library moby/moby's builder/dockerignore package uses to evaluate
// .dockerignore files; .pteroignore rules follow identical syntax.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/moby/patternmatcher"
)

const ignoreFileName = ".pteroignore"

// Matcher evaluates whether a confined-root-relative path is ignored. It is
// safe for concurrent use by both the synchronous and context-aware callers
// of the confined filesystem and walker.
type Matcher struct {
	pm *patternmatcher.PatternMatcher
}

// New compiles overrides (panel-configured glob rules, one per line, `!`
// negates per gitignore conventions) into a Matcher. An empty overrides
// list yields a Matcher that ignores nothing.
func New(overrides []string) (*Matcher, error) {
	pm, err := patternmatcher.New(normalise(overrides))
	if err != nil {
		return nil, fmt.Errorf("ignore: compile overrides: %w", err)
	}
	return &Matcher{pm: pm}, nil
}

// WithPteroignore recompiles m with the additional rules found in a
// .pteroignore file's contents appended after the existing overrides —
// later rules take precedence, matching gitignore semantics for nested
// ignore files.
func (m *Matcher) WithPteroignore(contents []byte) (*Matcher, error) {
	extra, err := parseIgnoreFile(contents)
	if err != nil {
		return nil, err
	}
	existing := m.pm.Patterns()
	merged := make([]string, 0, len(existing)+len(extra))
	for _, p := range existing {
		s := p.String()
		if p.Exclusion() {
			s = "!" + s
		}
		merged = append(merged, s)
	}
	merged = append(merged, normalise(extra)...)
	pm, err := patternmatcher.New(merged)
	if err != nil {
		return nil, fmt.Errorf("ignore: merge .pteroignore: %w", err)
	}
	return &Matcher{pm: pm}, nil
}

// Matches reports whether path (confined-root-relative, forward-slash
// separated) is ignored. isDir lets directory-only patterns (trailing `/`)
// match correctly.
func (m *Matcher) Matches(path string, isDir bool) (bool, error) {
	candidate := path
	if isDir && !strings.HasSuffix(candidate, "/") {
		// PatternMatcher itself is directory-agnostic; gitignore
		// semantics for a trailing-slash pattern require the candidate
		// to look like a directory too.
		candidate += "/"
	}
	ignored, err := m.pm.MatchesOrParentMatches(candidate)
	if err != nil {
		return false, fmt.Errorf("ignore: match %q: %w", path, err)
	}
	if !ignored && isDir {
		ignored, err = m.pm.MatchesOrParentMatches(path)
		if err != nil {
			return false, fmt.Errorf("ignore: match %q: %w", path, err)
		}
	}
	return ignored, nil
}

// parseIgnoreFile parses a .pteroignore file's raw bytes into rule lines,
// skipping blanks and `#`-comments, matching gitignore conventions.
func parseIgnoreFile(contents []byte) ([]string, error) {
	var rules []string
	scanner := bufio.NewScanner(strings.NewReader(string(contents)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ignore: scan .pteroignore: %w", err)
	}
	return rules, nil
}

// LoadPteroignore reads path's .pteroignore file, if present, returning nil
// rules (not an error) when the file does not exist.
func LoadPteroignore(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func normalise(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IgnoreFileName is exported so the walker can recognise the per-directory
// ignore file by the same name the confined filesystem uses.
const IgnoreFileName = ignoreFileName
