package migrate

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAreGooseAnnotated(t *testing.T) {
	source, err := migrationSource("")
	if err != nil {
		t.Fatalf("embedded source: %v", err)
	}
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(source, entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		text := string(data)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", entry.Name())
		}
	}
}

func TestMigrationSourceRejectsMissingDir(t *testing.T) {
	if _, err := migrationSource(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00001_init.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	source, err := migrationSource(dir)
	if err != nil {
		t.Fatalf("dir source: %v", err)
	}
	if _, err := fs.Stat(source, "00001_init.sql"); err != nil {
		t.Fatalf("expected migration in dir source: %v", err)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, "postgres://", "", nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
