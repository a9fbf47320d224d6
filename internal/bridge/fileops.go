package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileOps implements FileOps against the local filesystem, resolving
// relative paths against a root directory.
type LocalFileOps struct {
	root string
}

// NewLocalFileOps creates a file-operation executor rooted at dir.
func NewLocalFileOps(dir string) *LocalFileOps {
	return &LocalFileOps{root: dir}
}

func (f *LocalFileOps) resolve(path string) string {
	if filepath.IsAbs(path) || f.root == "" {
		return path
	}
	return filepath.Join(f.root, path)
}

// ReadTextFile reads a file, optionally windowed to limit lines starting
// at the 1-based line number.
func (f *LocalFileOps) ReadTextFile(ctx context.Context, path string, line, limit int) (string, error) {
	data, err := os.ReadFile(f.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	content := string(data)
	if line <= 0 && limit <= 0 {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile writes content, creating parent directories as needed.
func (f *LocalFileOps) WriteTextFile(ctx context.Context, path, content string) error {
	target := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

var _ FileOps = (*LocalFileOps)(nil)
