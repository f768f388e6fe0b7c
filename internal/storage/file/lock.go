package file

import (
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/gofrs/flock"
)

// ErrLocked is returned by Lock when another process holds the ledger.
var ErrLocked = errors.New("ledger is locked by another process")

// LockPath returns the lock file guarding the documents at pendingPath.
func LockPath(pendingPath string) string {
	return pendingPath + ".lock"
}

// Lock takes the exclusive advisory lock that guards a file ledger against
// concurrent writers. Each writer keeps its documents in memory and rewrites
// them whole, so two writers would silently undo each other's changes.
// The returned function releases the lock.
func Lock(pendingPath string) (unlock func() error, err error) {
	path := LockPath(pendingPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrap(ErrLocked, path)
	}
	return fl.Unlock, nil
}
