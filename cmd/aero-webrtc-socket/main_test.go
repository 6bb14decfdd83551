package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareSocketDir_RemovesStaleSockets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sockets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	stale := filepath.Join(dir, "old-peer.sock")
	if err := os.WriteFile(stale, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := prepareSocketDir(dir); err != nil {
		t.Fatalf("prepareSocketDir: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale socket still present: %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !fi.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
}

func TestPrepareSocketDir_CreatesMissingParents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := prepareSocketDir(dir); err != nil {
		t.Fatalf("prepareSocketDir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Stat: %v", err)
	}
}

func TestResolveBuildInfo_PrefersInjectedValues(t *testing.T) {
	commit, built := resolveBuildInfo("abc123", "2024-01-01T00:00:00Z")
	if commit != "abc123" || built != "2024-01-01T00:00:00Z" {
		t.Fatalf("resolveBuildInfo=(%q, %q), want injected values", commit, built)
	}
}
