// Package guard keeps a single agent process per base directory.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LockFile is the name of the lock file inside the base directory.
const LockFile = "vigil.lock"

// ErrAlreadyRunning is returned by Acquire when another process holds the lock.
var ErrAlreadyRunning = errors.New("another agent instance is running")

// Guard holds the exclusive lock for the lifetime of the agent.
type Guard struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New creates a Guard for <baseDir>/vigil.lock. Nothing is locked yet.
func New(baseDir string) *Guard {
	return &Guard{path: filepath.Join(baseDir, LockFile)}
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Acquire takes the lock and records this process's PID in the file.
// It fails with ErrAlreadyRunning when another process holds it.
func (g *Guard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			pid, _ := readPID(g.path)
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return fmt.Errorf("failed to lock %s: %w", g.path, err)
	}

	if err := writePID(f); err != nil {
		unlockFile(f)
		f.Close()
		return fmt.Errorf("failed to write pid: %w", err)
	}
	g.file = f
	return nil
}

// Release drops the lock. It is safe to call more than once.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file == nil {
		return nil
	}
	f := g.file
	g.file = nil

	f.Truncate(0)
	err := unlockFile(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsAlreadyRunning reports whether some process holds the lock at path,
// without keeping it. The PID recorded in the file is returned when known.
func IsAlreadyRunning(path string) (bool, int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		if errors.Is(err, errLocked) {
			pid, _ := readPID(path)
			return true, pid, nil
		}
		return false, 0, err
	}
	unlockFile(f)
	return false, 0, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return err
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
