package persistence

import (
	"fmt"
	"path/filepath"

	"github.com/nightlyone/lockfile"
)

// InstanceLock prevents two worker processes from sharing a data
// directory, which would otherwise corrupt the bbolt database and double-
// register the same identity with the control plane.
type InstanceLock struct {
	lock lockfile.Lockfile
}

// AcquireInstanceLock takes an exclusive lock on dataDir. Callers must
// call Release before the process exits.
func AcquireInstanceLock(dataDir string) (*InstanceLock, error) {
	path, err := filepath.Abs(filepath.Join(dataDir, "fleetworker.lock"))
	if err != nil {
		return nil, fmt.Errorf("persistence: resolve lock path: %w", err)
	}
	lf, err := lockfile.New(path)
	if err != nil {
		return nil, fmt.Errorf("persistence: create lockfile: %w", err)
	}
	if err := lf.TryLock(); err != nil {
		return nil, fmt.Errorf("persistence: another worker process already holds %s: %w", path, err)
	}
	return &InstanceLock{lock: lf}, nil
}

// Release frees the lock.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
