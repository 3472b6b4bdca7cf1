package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimburion/redrive/pkg/security"
)

// FileSink writes snapshots below a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir. The directory is created on first write.
func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("archive directory is required")
	}
	return &FileSink{dir: dir}, nil
}

// Write stores the snapshot and returns the file path.
func (f *FileSink) Write(ctx context.Context, snapshot Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return "", err
	}

	target, err := security.ContainedPath(f.dir, filepath.FromSlash(ObjectName(snapshot)))
	if err != nil {
		return "", fmt.Errorf("invalid snapshot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	// O_EXCL keeps an earlier snapshot from being overwritten.
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close snapshot file: %w", err)
	}
	return target, nil
}

// HealthCheck verifies the directory exists or can be created.
func (f *FileSink) HealthCheck(context.Context) error {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("archive directory %s is not writable: %w", f.dir, err)
	}
	return nil
}
