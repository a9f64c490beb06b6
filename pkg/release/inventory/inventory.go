// Package inventory walks product roots to produce the full current file set.
package inventory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kubeflow/component-release/pkg/release/content"
)

// ListFilesFromRoots walks every root under repoRoot and returns the sorted,
// de-duplicated list of repo-relative file paths (forward slashes). The
// relative path of every visited node, directories included, is checked
// against ignoreGlobs; an ignored directory is never descended into.
// Roots that do not exist are skipped.
func ListFilesFromRoots(repoRoot string, roots, ignoreGlobs []string) ([]string, error) {
	ignore, err := content.CompileGlobs(ignoreGlobs)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, root := range roots {
		start := filepath.Join(repoRoot, filepath.FromSlash(strings.TrimSuffix(root, "/")))
		if _, err := os.Stat(start); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat root %s: %w", root, err)
		}

		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(repoRoot, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				if rel != "." && ignore.MatchAny(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if ignore.MatchAny(rel) {
				return nil
			}
			files = append(files, rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk root %s: %w", root, err)
		}
	}

	slices.Sort(files)
	return slices.Compact(files), nil
}
