package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// LocalFile is a Backend over an append-mode file on the local filesystem.
type LocalFile struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
}

// NewLocalFile creates a backend for path. The file is opened lazily on
// the first Append so that a read-only replay never creates an empty log.
func NewLocalFile(path string, logger *zap.Logger) *LocalFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalFile{path: path, logger: logger}
}

// Append writes text at the end of the file.
func (l *LocalFile) Append(_ context.Context, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open checkpoint file: %w", err)
		}
		l.file = f
	}
	if _, err := l.file.WriteString(text); err != nil {
		return fmt.Errorf("append to checkpoint file: %w", err)
	}
	return nil
}

// ReadAll opens the file for a sequential line read.
func (l *LocalFile) ReadAll(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file for read: %w", err)
	}
	return f, nil
}

// Exists reports whether the file is present on disk.
func (l *LocalFile) Exists(_ context.Context) bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Flush syncs the file to disk.
func (l *LocalFile) Flush(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint file: %w", err)
	}
	return nil
}

// Close syncs and closes the file handle.
func (l *LocalFile) Close(ctx context.Context) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close checkpoint file: %w", err)
	}
	return nil
}
