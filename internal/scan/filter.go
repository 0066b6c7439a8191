package scan

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// StateDirName is never part of a population; it may hold per-tree state.
const StateDirName = ".mediasweep"

// IgnoreFileName holds gitignore-style patterns scoped to its directory.
const IgnoreFileName = ".mediasweepignore"

// Filter reports whether relPath (slash separated, relative to the scan
// root) belongs to the population. Directories returning false are pruned.
type Filter func(relPath string, isDir bool) bool

// BuildFilter creates a Filter that:
// 1. Always excludes the state directory and ignore files (hardcoded)
// 2. Applies the configured exclude patterns (gitignore syntax)
// 3. Applies .mediasweepignore files found below root
func BuildFilter(root string, excludes []string) Filter {
	var global *ignore.GitIgnore
	if len(excludes) > 0 {
		global = ignore.CompileIgnoreLines(excludes...)
	}
	matcher, err := newIgnoreMatcher(root)
	if err != nil {
		log.WithField("root", root).Warnf("filter: failed to collect %s files: %v", IgnoreFileName, err)
	}

	return func(relPath string, isDir bool) bool {
		if relPath == StateDirName || strings.HasPrefix(relPath, StateDirName+"/") {
			return false
		}
		if !isDir && filepath.Base(relPath) == IgnoreFileName {
			return false
		}

		checkPath := relPath
		if isDir {
			checkPath = relPath + "/"
		}
		if global != nil && global.MatchesPath(checkPath) {
			return false
		}
		if matcher != nil && matcher.isIgnored(relPath, isDir) {
			return false
		}
		return true
	}
}

// ignoreMatcher collects .mediasweepignore rules from a tree
type ignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newIgnoreMatcher(root string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if filepath.Base(path) == StateDirName && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(path) != IgnoreFileName {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		relDir, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		relDir = filepath.ToSlash(relDir)
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: relDir,
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
