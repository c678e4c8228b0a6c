package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("CALGRACE_TEST_URL", "  http://example.test  ")
	if got := envOrDefault("CALGRACE_TEST_URL", "fallback"); got != "http://example.test" {
		t.Fatalf("got %q", got)
	}
	_ = os.Unsetenv("CALGRACE_TEST_URL_UNSET")
	if got := envOrDefault("CALGRACE_TEST_URL_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestReadShellFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	payload := `{"uid":"e1","title":"standup","start":"2026-05-04T09:00:00Z","end":"2026-05-04T09:15:00Z"}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	shell, err := readShell(path)
	if err != nil {
		t.Fatalf("readShell: %v", err)
	}
	if shell.UID != "e1" || shell.Title != "standup" {
		t.Fatalf("shell = %+v", shell)
	}
}

func TestReadShellRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readShell(path); err == nil {
		t.Fatal("expected decode error")
	}
}
