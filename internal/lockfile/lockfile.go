// Package lockfile guards the agent data directory so two processes never
// share one sqlite store.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAlreadyLocked indicates another agent process holds the data directory.
var ErrAlreadyLocked = errors.New("data directory already in use")

const lockFileName = "advisor-agent.lock"

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir takes an exclusive non-blocking lock inside the data directory.
func AcquireDir(dir string) (*Lock, error) {
	if dir == "" {
		return nil, errors.New("empty data directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dir, lockFileName))
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("empty lock path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// The pid makes "who holds the data dir" answerable from a shell.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
