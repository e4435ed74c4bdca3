package outputstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store publishes a finished local artifact and returns where it can be found
type Store interface {
	Publish(ctx context.Context, runID, localPath string) (string, error)
	Name() string
}

// ContentType returns the MIME type used when publishing an artifact file
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	case ".zip":
		return "application/zip"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Local leaves artifacts where the encoder wrote them
type Local struct{}

// NewLocal creates the default store
func NewLocal() *Local {
	return &Local{}
}

// Name returns the store name
func (l *Local) Name() string {
	return "local"
}

// Publish checks the file exists and returns its absolute path
func (l *Local) Publish(_ context.Context, _ string, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", localPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("artifact missing: %w", err)
	}
	return abs, nil
}
