//go:build !windows

package recorder

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// dirLock is an advisory exclusive lock guaranteeing a single recorder
// writer per directory.
type dirLock struct {
	f *os.File
}

// acquireDirLock takes a non-blocking exclusive flock on path. A second
// writer fails fast instead of silently interleaving segments.
func acquireDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("recorder directory already locked: %w", err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() {
	if l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
