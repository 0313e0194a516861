package factory

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// listingIgnorePatterns are the doublestar glob patterns a repo-relative
// path is checked against when building SE's directory-tree prompt context
// (§4.H) — hidden VCS, dependency, and interpreter-cache directories that
// never carry reviewable source, generalizing the original factory's
// EXCLUDE_PATTERNS/EXCLUDE_SUFFIXES constants.
var listingIgnorePatterns = []string{
	".git", ".git/**",
	"**/__pycache__", "**/__pycache__/**",
	"**/.pytest_cache", "**/.pytest_cache/**",
	"**/node_modules", "**/node_modules/**",
	".venv", ".venv/**",
	"venv", "venv/**",
	"**/*.egg-info", "**/*.egg-info/**",
}

func listingIgnored(rel string, patterns []string) bool {
	slashed := filepath.ToSlash(rel)
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

// buildFileListing walks repoRoot and returns the sorted repo-relative
// paths of every file, skipping the patterns above plus harnessDir (the
// per-repo runtime environment directory, which is never part of the
// reviewable tree). This is the "repo file listing (directory tree minus
// hidden/cache dirs)" SE's prompt includes alongside the work order and
// its context files.
func buildFileListing(repoRoot, harnessDir string) ([]string, error) {
	patterns := listingIgnorePatterns
	if harnessDir != "" {
		patterns = append(append([]string{}, patterns...), harnessDir, harnessDir+"/**")
	}

	var files []string
	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == repoRoot {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return err
		}
		if listingIgnored(rel, patterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build file listing: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
