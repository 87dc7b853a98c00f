package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceLifecycle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run")
	ws, err := OpenWorkspace(root)
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}

	for _, dir := range []string{ws.Downloads(), ws.Processed(), ws.Colored(), ws.Tiles()} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("stage dir missing: %s", dir)
		}
	}

	// Teardown removes stage dirs even when they hold files.
	if err := os.WriteFile(filepath.Join(ws.Downloads(), "leftover.grib2"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws.Close()

	for _, dir := range []string{"downloads", "processed", "colored", "tiles"} {
		if _, err := os.Stat(filepath.Join(root, dir)); !os.IsNotExist(err) {
			t.Errorf("stage dir survived teardown: %s", dir)
		}
	}
}

func TestWorkspaceLockExcludesSecondRun(t *testing.T) {
	root := t.TempDir()
	ws, err := OpenWorkspace(root)
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	defer ws.Close()

	if _, err := OpenWorkspace(root); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second open: err = %v, want ErrAlreadyRunning", err)
	}
}

func TestWorkspaceBreaksStaleLock(t *testing.T) {
	root := t.TempDir()
	// A lock naming a dead pid must not block the run.
	if err := os.WriteFile(filepath.Join(root, lockFileName), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws, err := OpenWorkspace(root)
	if err != nil {
		t.Fatalf("OpenWorkspace() with stale lock: error = %v", err)
	}
	ws.Close()
}

func TestWorkspaceLockReleasedOnClose(t *testing.T) {
	root := t.TempDir()
	ws, err := OpenWorkspace(root)
	if err != nil {
		t.Fatal(err)
	}
	ws.Close()

	ws2, err := OpenWorkspace(root)
	if err != nil {
		t.Errorf("reopen after Close: error = %v", err)
	} else {
		ws2.Close()
	}
}

func TestConcurrentWorkspacesAreIndependent(t *testing.T) {
	a, err := OpenWorkspace(filepath.Join(t.TempDir(), "a"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := OpenWorkspace(filepath.Join(t.TempDir(), "b"))
	if err != nil {
		t.Errorf("disjoint workspace blocked: %v", err)
	} else {
		b.Close()
	}
}
