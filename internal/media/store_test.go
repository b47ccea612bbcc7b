package media

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "media"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_SaveAndExists(t *testing.T) {
	s := testStore(t)

	path, err := s.Save("549115550001", ".jpg", []byte("fake jpeg"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(path) {
		t.Fatalf("saved file %s does not exist", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "fake jpeg" {
		t.Errorf("content = %q", data)
	}
}

func TestStore_ExtensionNormalization(t *testing.T) {
	s := testStore(t)

	path, err := s.Save("sender", "png", nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("path = %q, want .png suffix", path)
	}

	path, err = s.Save("sender", "", nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Errorf("empty ext path = %q, want .jpg default", path)
	}
}

func TestStore_SanitizesSenderDir(t *testing.T) {
	s := testStore(t)

	path, err := s.Save("../../etc:passwd", ".jpg", nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	dir := filepath.Base(filepath.Dir(path))
	if strings.ContainsAny(dir, "./:") {
		t.Errorf("sender dir %q not sanitized", dir)
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := testStore(t)

	path, err := s.Save("sender", ".jpg", []byte("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Remove(path)
	if s.Exists(path) {
		t.Fatalf("file still exists after Remove")
	}
	// Removing again, or removing nothing, must not blow up.
	s.Remove(path)
	s.Remove("")
}
