//go:build !unix

package queue

import (
	"errors"
	"os"
)

// ErrLocked is returned when another process holds the queue lock
var ErrLocked = errors.New("queue state locked by another process")

type fileLock struct {
	file *os.File
}

// acquireLock opens the lock file without advisory locking on platforms
// that lack flock(2).
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
