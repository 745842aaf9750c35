package fs

import (
	"path/filepath"
	"strings"

	"vigil-go/internal/vigil"
)

// Reason explains why a path is excluded from scanning.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonInternal Reason = "internal"
	ReasonTemp     Reason = "temp"
	ReasonPattern  Reason = "pattern"
)

// Files that are still being written or are editor/OS scratch. They change
// constantly during downloads and saves and are scanned once renamed.
var (
	tempExtensions = map[string]bool{
		".tmp": true, ".temp": true, ".part": true, ".partial": true,
		".crdownload": true, ".download": true, ".swp": true, ".swo": true,
		".lock": true, ".dmp": true,
	}
	tempNames    = map[string]bool{"thumbs.db": true, ".ds_store": true}
	tempPrefixes = []string{"~$", "._", ".#"}
)

// excludePattern is a parsed pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against the absolute path; false = match against each path element
}

// Exclusions decides which paths never reach the scan queue: the agent's own
// directories, temp-like files and user patterns.
// Patterns without '/' match any single path element, so "node_modules"
// excludes everything beneath such a directory. Patterns with '/' match the
// whole absolute path.
type Exclusions struct {
	internal []string
	patterns []excludePattern
}

// NewExclusions creates an Exclusions from internal directories and raw
// pattern strings. Blank patterns and lines starting with '#' are skipped.
func NewExclusions(internalDirs []string, rawPatterns []string) *Exclusions {
	e := &Exclusions{}
	for _, d := range internalDirs {
		if d != "" {
			e.internal = append(e.internal, filepath.Clean(d))
		}
	}
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		e.patterns = append(e.patterns, excludePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return e
}

// Match reports whether path is excluded and why.
func (e *Exclusions) Match(path string) (Reason, bool) {
	if path == "" {
		return ReasonNone, false
	}
	for _, d := range e.internal {
		if vigil.Within(d, path) {
			return ReasonInternal, true
		}
	}
	if IsTempLike(path) {
		return ReasonTemp, true
	}
	if e.matchPattern(path) {
		return ReasonPattern, true
	}
	return ReasonNone, false
}

func (e *Exclusions) matchPattern(path string) bool {
	if len(e.patterns) == 0 {
		return false
	}
	normalized := filepath.ToSlash(filepath.Clean(path))
	elements := strings.Split(strings.TrimPrefix(normalized, "/"), "/")

	for _, p := range e.patterns {
		if p.matchPath {
			// Bad patterns never match.
			if ok, err := filepath.Match(p.pattern, normalized); err == nil && ok {
				return true
			}
			continue
		}
		for _, el := range elements {
			if ok, err := filepath.Match(p.pattern, el); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// IsTempLike reports whether the file name looks like a partial download,
// editor swap file or OS metadata file.
func IsTempLike(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if tempNames[name] || tempExtensions[filepath.Ext(name)] {
		return true
	}
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
