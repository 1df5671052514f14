// Package files has small filesystem helpers.
package files

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for an entry with the given name,
// returning its path, or "" if the filesystem root is reached without a
// match.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
