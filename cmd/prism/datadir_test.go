// ABOUTME: Tests for XDG directory resolution.
// ABOUTME: Uses t.Setenv so the host environment never leaks through.
package main

import (
	"path/filepath"
	"testing"
)

func TestDefaultDataDirUsesXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	dir, err := defaultDataDir()
	if err != nil {
		t.Fatalf("defaultDataDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-data", "prism") {
		t.Errorf("dir = %q, want /tmp/xdg-data/prism", dir)
	}
}

func TestDefaultDataDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/tmp/fakehome")

	dir, err := defaultDataDir()
	if err != nil {
		t.Fatalf("defaultDataDir: %v", err)
	}
	want := filepath.Join("/tmp/fakehome", ".local", "share", "prism")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
}

func TestDefaultConfigDirUsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	dir, err := defaultConfigDir()
	if err != nil {
		t.Fatalf("defaultConfigDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-config", "prism") {
		t.Errorf("dir = %q, want /tmp/xdg-config/prism", dir)
	}
}

func TestResolveDataDirPrefersExplicit(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/ignored")

	dir, err := resolveDataDir("/var/lib/prism")
	if err != nil {
		t.Fatalf("resolveDataDir: %v", err)
	}
	if dir != "/var/lib/prism" {
		t.Errorf("dir = %q, want /var/lib/prism", dir)
	}
}
