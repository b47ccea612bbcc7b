// Package media persists downloaded chat photos on local disk, one directory
// per sender. Deletion is best effort: a missing file is not an error.
package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store implements domain.MediaStore on the local filesystem.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

func NewStore(baseDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, logger: logger}, nil
}

// Save writes data under the sender's directory and returns the file path.
func (s *Store) Save(senderID, ext string, data []byte) (string, error) {
	dir := filepath.Join(s.baseDir, sanitize(senderID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sender dir: %w", err)
	}
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	path := filepath.Join(dir, fmt.Sprintf("%d%s", time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

// Remove deletes a media file. Missing files are ignored; any other error is
// logged and swallowed so cleanup never blocks the primary flow.
func (s *Store) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cannot remove media file", "path", path, "err", err)
	}
}

// Exists reports whether a previously-saved file is still on disk.
func (s *Store) Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}
