package migrate

import (
	"io/fs"
	"testing"
)

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNewRejectsMissingDir(t *testing.T) {
	if _, err := New("postgres://localhost/devport", "/does/not/exist", nil); err == nil {
		t.Fatal("expected error for missing migrations dir")
	}
}

func TestNewUsesEmbeddedMigrations(t *testing.T) {
	r, err := New("postgres://localhost/devport", "", nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	matches, err := fs.Glob(r.fsys, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected embedded sql migrations")
	}
}
