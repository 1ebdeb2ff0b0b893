// Package paths guards filesystem access against escapes from a sandbox
// workspace. Every caller-supplied relative path must go through Resolve
// before it touches the disk.
package paths

import (
	"path/filepath"
	"strings"

	"github.com/framewright/backend/internal/shared/errors"
)

// Resolve joins rel onto root and verifies the result stays inside root.
// rel is interpreted relative to root; absolute paths, "..", and anything
// that lexically escapes the root are rejected with ErrPathTraversal.
func Resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", errors.ErrPathTraversal
	}
	if filepath.IsAbs(rel) {
		return "", errors.ErrPathTraversal
	}

	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}

	joined := filepath.Join(root, cleaned)

	// Defense against roots that are themselves unclean.
	rootClean := filepath.Clean(root)
	if joined != rootClean && !strings.HasPrefix(joined, rootClean+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}

	return joined, nil
}
