// Package lock implements the flock-based folder and file locks used by the poller.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FolderLockName is the sentinel file created inside a locked folder.
const FolderLockName = "__FCLOCK.LCK"

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive, non-blocking lock backed by a sentinel file.
// The sentinel contains the owner's PID and is removed on Unlock.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// NewFolderLock returns the lock guarding dir.
func NewFolderLock(dir string) *FileLock {
	return NewFileLock(filepath.Join(dir, FolderLockName))
}

func (fl *FileLock) Path() string {
	return fl.path
}

// Held reports whether this instance currently owns the lock.
func (fl *FileLock) Held() bool {
	return fl.file != nil
}

// lockAttempts bounds retries when the sentinel is replaced while locking.
const lockAttempts = 3

// afterOpen runs between opening the sentinel and locking it.
var afterOpen = func(*os.File) {}

// TryLock takes the lock without blocking. Unlock removes the sentinel, so
// a descriptor opened just before that removal can end up locking an
// unlinked inode; the lock only counts once it is verified to be the file
// currently at the path.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return fmt.Errorf("open lock file: %w", err)
		}
		afterOpen(f)

		if err := flockNB(f); err != nil {
			f.Close()
			return err
		}

		current, err := isCurrent(f, fl.path)
		if err != nil || !current {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			if err != nil {
				return err
			}
			continue
		}

		if err := writePID(f); err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return err
		}
		fl.file = f
		return nil
	}
	return fmt.Errorf("%w: %s kept being replaced", ErrLocked, fl.path)
}

// isCurrent reports whether f is still the file at path.
func isCurrent(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat lock file: %w", err)
	}
	onDisk, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat lock path: %w", err)
	}
	return os.SameFile(held, onDisk), nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	// Remove while still holding the lock so a waiter never locks an unlinked inode.
	os.Remove(fl.path)

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	fl.file = nil
	return nil
}

// TryLockFile takes an exclusive, non-blocking lock on an existing file
// without modifying it. ErrLocked means the file is still in use.
// The caller must call the returned release function.
func TryLockFile(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := flockNB(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func flockNB(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s", ErrLocked, f.Name())
	}
	return fmt.Errorf("acquire lock %s: %w", f.Name(), err)
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}
