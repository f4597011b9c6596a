package lsp

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindRootPath walks upward from curPath and returns the first directory
// that contains one of markers. When curPath names a file, or does not
// exist, the walk starts at its parent directory.
func FindRootPath(curPath string, markers []string) (string, error) {
	abs, err := filepath.Abs(curPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", curPath, err)
	}

	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}

	for {
		for _, marker := range markers {
			if fileExists(filepath.Join(dir, marker)) {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", curPath, ErrRootPathNotFound)
		}
		dir = parent
	}
}

// fileExists checks if a file or directory exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
