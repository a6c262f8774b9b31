package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Local stores uploads on the local filesystem under a single directory,
// naming each file by a fresh UUID so uploads never collide.
type Local struct {
	dir    string
	logger *slog.Logger
}

func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: dir, logger: logger}, nil
}

func (l *Local) Save(_ context.Context, data []byte, ext string) (string, error) {
	name := uuid.New().String()
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	l.logger.Info("upload stored", "location", path, "bytes", len(data))
	return path, nil
}

func (l *Local) Read(_ context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, location string) bool {
	if err := os.Remove(location); err != nil {
		l.logger.Warn("failed to remove stored file", "location", location, "err", err)
		return false
	}
	return true
}
