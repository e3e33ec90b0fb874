package vfs

import (
	"fmt"

	"github.com/gofrs/flock"
)

// DataDirLock holds the exclusive $DATADIR/LOCK pidfile for the lifetime of
// the process, replacing the original engine's hand-rolled O_EXCL dance
// with a real advisory file lock.
type DataDirLock struct {
	fl *flock.Flock
}

// LockDataDir acquires the exclusive lock at dataDir/LOCK, failing
// immediately if another process already holds it.
func LockDataDir(dataDir string) (*DataDirLock, error) {
	fl := flock.New(dataDir + "/LOCK")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("vfs: lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("vfs: data directory %s is already locked by another process", dataDir)
	}
	return &DataDirLock{fl: fl}, nil
}

// Unlock releases the lock and removes the lock file's advisory hold (the
// file itself is left in place, matching the original pidfile behavior).
func (l *DataDirLock) Unlock() error {
	return l.fl.Unlock()
}
