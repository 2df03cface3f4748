package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemSink writes export objects under a local root directory. Used
// for development and as a secondary sink when object storage is not
// configured.
type FilesystemSink struct {
	root string
}

func NewFilesystemSink(root string) *FilesystemSink {
	return &FilesystemSink{root: root}
}

func (s *FilesystemSink) Name() string { return "filesystem" }

func (s *FilesystemSink) Put(_ context.Context, key string, body []byte, _ string) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write export file %s: %w", path, err)
	}
	return nil
}
