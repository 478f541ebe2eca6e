package autoconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetDefaultDataDir(t *testing.T) {
	dataDir, err := GetDefaultDataDir()
	if err != nil {
		t.Fatalf("GetDefaultDataDir() failed: %v", err)
	}

	if dataDir == "" {
		t.Error("GetDefaultDataDir() returned empty string")
	}

	if !filepath.IsAbs(dataDir) {
		t.Errorf("expected absolute path, got %q", dataDir)
	}

	if filepath.Base(dataDir) != "relaypool" {
		t.Errorf("expected path to end in relaypool, got %q", dataDir)
	}
}

func TestEnsureDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	testDir := filepath.Join(tmpDir, "relay-0001")

	err := EnsureDataDir(testDir)
	if err != nil {
		t.Fatalf("EnsureDataDir() failed: %v", err)
	}

	info, err := os.Stat(testDir)
	if err != nil {
		t.Fatalf("Directory was not created: %v", err)
	}

	if !info.IsDir() {
		t.Error("Path is not a directory")
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode != 0700 {
			t.Errorf("Expected permissions 0700, got %o", mode)
		}
	}

	if err := EnsureDataDir(testDir); err != nil {
		t.Errorf("EnsureDataDir() failed on existing directory: %v", err)
	}
}

func TestEnsureDataDirWithFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "testfile")

	f, err := os.Create(testFile)
	if err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	f.Close()

	if err := EnsureDataDir(testFile); err == nil {
		t.Error("Expected error when path is a file, got nil")
	}
}

func TestCleanupStaleFilesRemovesStaleCookie(t *testing.T) {
	tmpDir := t.TempDir()
	cookiePath := filepath.Join(tmpDir, "control_auth_cookie")
	if err := os.WriteFile(cookiePath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("failed to write stale cookie: %v", err)
	}

	if err := CleanupStaleFiles(tmpDir); err != nil {
		t.Fatalf("CleanupStaleFiles() failed: %v", err)
	}

	if _, err := os.Stat(cookiePath); !os.IsNotExist(err) {
		t.Error("expected stale control_auth_cookie to be removed")
	}
}

func TestCleanupStaleFiles(t *testing.T) {
	tmpDir := t.TempDir()

	staleFiles := []string{
		filepath.Join(tmpDir, "state.tmp"),
		filepath.Join(tmpDir, "data.temp"),
		filepath.Join(tmpDir, "lock"),
		filepath.Join(tmpDir, "keys.json"), // should not be deleted
	}

	for _, file := range staleFiles {
		f, err := os.Create(file)
		if err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
		f.Close()
	}

	if err := CleanupStaleFiles(tmpDir); err != nil {
		t.Fatalf("CleanupStaleFiles() failed: %v", err)
	}

	for _, file := range staleFiles[:3] {
		if _, err := os.Stat(file); !os.IsNotExist(err) {
			t.Errorf("stale file was not deleted: %s", file)
		}
	}

	if _, err := os.Stat(staleFiles[3]); err != nil {
		t.Errorf("non-stale file was deleted: %s", staleFiles[3])
	}
}

func TestFindAvailablePort(t *testing.T) {
	preferredPort := 19050
	port := FindAvailablePort(preferredPort)

	if port < preferredPort {
		t.Errorf("Returned port %d is less than preferred port %d", port, preferredPort)
	}

	if port > preferredPort+100 {
		t.Errorf("Returned port %d is too far from preferred port %d", port, preferredPort)
	}
}

func TestIsPortAvailable(t *testing.T) {
	port := 19051
	_ = isPortAvailable(port)
}
