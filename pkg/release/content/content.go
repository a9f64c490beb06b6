// Package content provides path glob matching and deterministic content
// hashing over ordered file lists. A component's identity at a point in time
// is the digest HashFiles computes over its member paths and their bytes.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// EmptyHash is the digest of zero input bytes. A component whose member files
// were all deleted hashes to this value.
var EmptyHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// globToRegexp converts a path glob into an anchored regular expression.
// `**` matches across path segments, `*` matches within one segment, and every
// other character is literal.
func globToRegexp(glob string) string {
	quoted := regexp.QuoteMeta(glob)
	quoted = strings.ReplaceAll(quoted, `\*\*`, "\x00")
	quoted = strings.ReplaceAll(quoted, `\*`, `[^/]*`)
	quoted = strings.ReplaceAll(quoted, "\x00", `.*`)
	return "^" + quoted + "$"
}

// MatchGlob reports whether path matches glob.
func MatchGlob(path, glob string) bool {
	re, err := regexp.Compile(globToRegexp(glob))
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

// GlobSet is a compiled list of globs.
type GlobSet struct {
	patterns []*regexp.Regexp
}

// CompileGlobs compiles every glob in globs. Because all regex metacharacters
// are escaped first, compilation only fails on invalid UTF-8 input.
func CompileGlobs(globs ...[]string) (*GlobSet, error) {
	set := &GlobSet{}
	for _, list := range globs {
		for _, g := range list {
			if g == "" {
				continue
			}
			re, err := regexp.Compile(globToRegexp(g))
			if err != nil {
				return nil, fmt.Errorf("invalid glob %q: %w", g, err)
			}
			set.patterns = append(set.patterns, re)
		}
	}
	return set, nil
}

// MatchAny reports whether path matches at least one glob in the set.
// A nil or empty set matches nothing.
func (s *GlobSet) MatchAny(path string) bool {
	if s == nil {
		return false
	}
	for _, re := range s.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Len returns the number of globs in the set.
func (s *GlobSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// HashFiles computes the SHA-256 content hash of the given repo-relative
// paths. Paths are sorted before hashing so the digest is independent of input
// order; each surviving file contributes its path, a null byte, its raw bytes
// and another null byte. Paths that no longer exist under root are skipped.
func HashFiles(root string, paths []string) (string, error) {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	h := sha256.New()
	for _, p := range sorted {
		full := filepath.Join(root, filepath.FromSlash(p))
		f, err := os.Open(full)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		if info.IsDir() {
			f.Close()
			continue
		}
		h.Write([]byte(p))
		h.Write([]byte{0})
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
