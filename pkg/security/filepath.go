// Package security holds path checks for files written on behalf of users.
package security

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
	ErrInvalidPath   = errors.New("invalid file path")
)

// ContainedPath joins name onto baseDir and returns the result, or an error
// when name is empty, absolute, or resolves outside baseDir.
func ContainedPath(baseDir, name string) (string, error) {
	if strings.TrimSpace(baseDir) == "" || strings.TrimSpace(name) == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(name) {
		return "", ErrPathTraversal
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(absBase, name)
	rel, err := filepath.Rel(absBase, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return target, nil
}
