package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "NANOSCALE_TEST_FROM_FILE=file\nNANOSCALE_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("NANOSCALE_TEST_PRESET", "process")
	t.Setenv("NANOSCALE_TEST_FROM_FILE", "")
	os.Unsetenv("NANOSCALE_TEST_FROM_FILE")

	LoadEnv(path)

	if got := GetString("NANOSCALE_TEST_FROM_FILE", ""); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := GetString("NANOSCALE_TEST_PRESET", ""); got != "process" {
		t.Fatalf("expected process value to win, got %q", got)
	}
}

func TestLoadEnvMissingFileIsIgnored(t *testing.T) {
	LoadEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("NANOSCALE_TEST_INT", "abc")
	if got := GetInt("NANOSCALE_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("NANOSCALE_TEST_INT", "12")
	if got := GetInt("NANOSCALE_TEST_INT", 7); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestGetSecondsRejectsNegative(t *testing.T) {
	t.Setenv("NANOSCALE_TEST_SECONDS", "-5")
	if got := GetSeconds("NANOSCALE_TEST_SECONDS", 30); got != 30*time.Second {
		t.Fatalf("expected fallback 30s, got %s", got)
	}
	t.Setenv("NANOSCALE_TEST_SECONDS", " 90 ")
	if got := GetSeconds("NANOSCALE_TEST_SECONDS", 30); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("NANOSCALE_TEST_SECONDS", "")
	if got := GetMinutes("NANOSCALE_TEST_SECONDS", 2); got != 2*time.Minute {
		t.Fatalf("expected blank value to fall back, got %s", got)
	}
}
