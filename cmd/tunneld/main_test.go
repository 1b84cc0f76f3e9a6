package main

import (
	"path/filepath"
	"testing"
)

func TestConfigDirectory_HonorsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	dir, err := configDirectory()
	if err != nil {
		t.Fatalf("configDirectory: %v", err)
	}
	want := filepath.Join("/tmp/xdg-config", "ssh-tunnel-manager")
	if dir != want {
		t.Errorf("configDirectory() = %q, want %q", dir, want)
	}
}

func TestConfigDirectory_FallsBackToDotConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/tmp/fakehome")

	dir, err := configDirectory()
	if err != nil {
		t.Fatalf("configDirectory: %v", err)
	}
	want := filepath.Join("/tmp/fakehome", ".config", "ssh-tunnel-manager")
	if dir != want {
		t.Errorf("configDirectory() = %q, want %q", dir, want)
	}
}

func TestRuntimeDirectory_HonorsXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	dir, err := runtimeDirectory()
	if err != nil {
		t.Fatalf("runtimeDirectory: %v", err)
	}
	want := filepath.Join("/run/user/1000", "ssh-tunnel-manager")
	if dir != want {
		t.Errorf("runtimeDirectory() = %q, want %q", dir, want)
	}
}

func TestRuntimeDirectory_FallsBackToConfigDirectory(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	dir, err := runtimeDirectory()
	if err != nil {
		t.Fatalf("runtimeDirectory: %v", err)
	}
	want := filepath.Join("/tmp/xdg-config", "ssh-tunnel-manager")
	if dir != want {
		t.Errorf("runtimeDirectory() = %q, want %q", dir, want)
	}
}
