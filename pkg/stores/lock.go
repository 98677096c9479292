package stores

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tengil/tengil/pkg/engine"
)

// RunLock is an advisory flock on a file. It fails fast instead of waiting.
type RunLock struct {
	path string
}

// NewRunLock creates a lock on path. The file is created on first use.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

// TryLock acquires the lock or returns a RUN_LOCKED error naming the holder.
// The lock is also released when the process exits.
func (l *RunLock) TryLock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			msg := "reconciliation already in progress"
			if holder != "" {
				msg += " (pid " + holder + ")"
			}
			return nil, engine.NewConflictError(msg, err).WithCode(engine.ErrCodeLocked).WithResource(l.path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	release := func() error {
		_ = f.Truncate(0)
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to unlock %s: %w", l.path, err)
		}
		return f.Close()
	}
	return release, nil
}

func readHolder(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	return strings.TrimSpace(string(buf[:n]))
}
