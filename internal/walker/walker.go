// Package walker discovers documents under the watch root and maps between
// absolute paths and root-relative document keys.
package walker

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// FileInfo describes a document found on disk.
type FileInfo struct {
	Path    string // absolute
	Key     string // root-relative, slash separated
	Size    int64
	ModTime time.Time
}

// Walk returns every regular file under root accepted by filter, in lexical
// order. Unreadable entries are skipped; an unreadable root is an error.
func Walk(root string, filter Filter) ([]FileInfo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("walker: resolve root: %w", err)
	}

	var files []FileInfo
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == abs {
				return walkErr
			}
			return nil
		}

		key, err := Key(abs, p)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if filter.SkipDir(key) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !filter.Match(key) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:    p,
			Key:     key,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walker: walk %s: %w", abs, err)
	}
	return files, nil
}

// Key converts an absolute path into a document key relative to root.
func Key(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("walker: %s is outside %s", path, root)
	}
	return rel, nil
}

// Path converts a document key back into an absolute path under root.
func Path(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key))
}
