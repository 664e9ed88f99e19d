//go:build windows

package recorder

import "os"

// dirLock on Windows relies on the O_CREATE file handle itself; the
// exclusive-open semantics of the lock file are sufficient because the
// recorder holds it for its whole lifetime.
type dirLock struct {
	f *os.File
}

func acquireDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() {
	if l.f == nil {
		return
	}
	_ = l.f.Close()
	l.f = nil
}
