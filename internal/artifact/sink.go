// Package artifact delivers exported backups to their destination.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kalambet/boxset/internal/settings"
)

// DirSink writes artifacts as files in Dir, creating it on first use.
type DirSink struct {
	Dir string
}

// Deliver writes the artifact and returns its path. An existing file with
// the same name is not overwritten.
func (s DirSink) Deliver(ctx context.Context, a settings.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	path := filepath.Join(s.Dir, filepath.Base(a.Name))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(a.Content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}

// WriterSink streams the artifact content to W. It backs "-" as an export
// destination.
type WriterSink struct {
	W io.Writer
}

// Deliver writes the content and reports the location as "stdout".
func (s WriterSink) Deliver(_ context.Context, a settings.Artifact) (string, error) {
	if _, err := s.W.Write(a.Content); err != nil {
		return "", fmt.Errorf("writing %s: %w", a.Name, err)
	}
	return "stdout", nil
}
