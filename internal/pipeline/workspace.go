// Package pipeline contains the per-cycle orchestration engine: workspace
// lifecycle, the step runner, and the six-stage driver.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned when another pipeline process holds the
// workspace lock. The caller exits with the dedicated status before any side
// effect.
var ErrAlreadyRunning = errors.New("another pipeline run holds the workspace lock")

// lockFileName is the advisory pid lock inside the workspace root.
const lockFileName = ".wxtiles.lock"

var stageDirs = []string{"downloads", "processed", "colored", "tiles"}

// Workspace owns the per-run scratch directories. Each subdirectory is
// written by exactly one stage. The log directory is separate and never
// touched here.
type Workspace struct {
	Root     string
	lockPath string
}

// OpenWorkspace acquires the workspace lock and creates the four stage
// subdirectories. A held lock with a live owner yields ErrAlreadyRunning; a
// stale lock (owner gone) is broken and reacquired.
func OpenWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	w := &Workspace{Root: root, lockPath: filepath.Join(root, lockFileName)}
	if err := w.acquireLock(); err != nil {
		return nil, err
	}

	for _, dir := range stageDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			w.releaseLock()
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return w, nil
}

// Downloads is the Download stage output directory.
func (w *Workspace) Downloads() string { return filepath.Join(w.Root, "downloads") }

// Processed is the Processing stage output directory.
func (w *Workspace) Processed() string { return filepath.Join(w.Root, "processed") }

// Colored is the Colormap stage output directory.
func (w *Workspace) Colored() string { return filepath.Join(w.Root, "colored") }

// Tiles is the TileGeneration stage output directory.
func (w *Workspace) Tiles() string { return filepath.Join(w.Root, "tiles") }

// Close removes the stage subdirectories and releases the lock. It runs on
// every exit path and never aborts the exit: removals that fail (subprocesses
// may write files under a different identity) are retried with sudo, then
// logged as warnings.
func (w *Workspace) Close() {
	for _, dir := range stageDirs {
		p := filepath.Join(w.Root, dir)
		if err := os.RemoveAll(p); err == nil {
			continue
		}
		// Ownership mismatch fallback.
		if err := exec.Command("sudo", "rm", "-rf", p).Run(); err != nil {
			log.Warn().Str("dir", p).Err(err).Msg("Workspace teardown incomplete")
		}
	}
	w.releaseLock()
	log.Debug().Str("root", w.Root).Msg("Workspace torn down")
}

func (w *Workspace) acquireLock() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(w.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire workspace lock: %w", err)
		}
		if !w.lockIsStale() {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, w.lockPath)
		}
		log.Warn().Str("lock", w.lockPath).Msg("Breaking stale workspace lock")
		if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("break stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrAlreadyRunning, w.lockPath)
}

// lockIsStale reports whether the pid recorded in the lock file no longer
// names a live process.
func (w *Workspace) lockIsStale() bool {
	data, err := os.ReadFile(w.lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(bytesTrim(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

func (w *Workspace) releaseLock() {
	if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to release workspace lock")
	}
}

func bytesTrim(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
