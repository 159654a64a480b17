package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()

	fl := NewFolderLock(dir)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	if !fl.Held() {
		t.Error("Held: got false, want true")
	}
	if _, err := os.Stat(filepath.Join(dir, FolderLockName)); err != nil {
		t.Errorf("sentinel file missing: %v", err)
	}
}

func TestFileLock_SecondHolderRejected(t *testing.T) {
	dir := t.TempDir()

	fl1 := NewFolderLock(dir)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFolderLock(dir)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("error: got %v, want ErrLocked", err)
	}
}

func TestFileLock_TryLockTwiceSameInstance(t *testing.T) {
	fl := NewFolderLock(t.TempDir())
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer fl.Unlock()
	if err := fl.TryLock(); err != nil {
		t.Errorf("re-entrant TryLock: %v", err)
	}
}

func TestFileLock_UnlockRemovesSentinelAndAllowsRelock(t *testing.T) {
	dir := t.TempDir()

	fl1 := NewFolderLock(dir)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(fl1.Path()); !os.IsNotExist(err) {
		t.Errorf("sentinel should be removed, stat err=%v", err)
	}

	fl2 := NewFolderLock(dir)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFolderLock(t.TempDir())
	fl.TryLock()
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

func TestTryLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	release, err := TryLockFile(path)
	if err != nil {
		t.Fatalf("TryLockFile: %v", err)
	}

	if _, err := TryLockFile(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock: got %v, want ErrLocked", err)
	}
	release()

	data, _ := os.ReadFile(path)
	if string(data) != "payload" {
		t.Errorf("file content changed: %q", data)
	}

	release2, err := TryLockFile(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	release2()
}

func TestTryLockFile_Missing(t *testing.T) {
	_, err := TryLockFile(filepath.Join(t.TempDir(), "missing"))
	if !os.IsNotExist(err) {
		t.Errorf("got %v, want not-exist error", err)
	}
}

func withAfterOpen(t *testing.T, fn func(*os.File)) {
	t.Helper()
	prev := afterOpen
	afterOpen = fn
	t.Cleanup(func() { afterOpen = prev })
}

// A holder releasing between another instance's open and flock must not
// leave two instances holding the same folder lock.
func TestFileLock_ReleasedBetweenOpenAndLock(t *testing.T) {
	dir := t.TempDir()

	a := NewFolderLock(dir)
	if err := a.TryLock(); err != nil {
		t.Fatalf("a: %v", err)
	}

	released := false
	withAfterOpen(t, func(*os.File) {
		if !released {
			released = true
			a.Unlock()
		}
	})

	b := NewFolderLock(dir)
	if err := b.TryLock(); err != nil {
		t.Fatalf("b: %v", err)
	}
	defer b.Unlock()

	c := NewFolderLock(dir)
	if err := c.TryLock(); !errors.Is(err, ErrLocked) {
		if err == nil {
			c.Unlock()
		}
		t.Fatalf("c: got %v, want ErrLocked", err)
	}

	held, err := b.file.Stat()
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.Stat(b.Path())
	if err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if !os.SameFile(held, onDisk) {
		t.Error("b holds a lock on a file no longer at the sentinel path")
	}
}

func TestFileLock_SentinelKeepsDisappearing(t *testing.T) {
	dir := t.TempDir()
	withAfterOpen(t, func(f *os.File) { os.Remove(f.Name()) })

	fl := NewFolderLock(dir)
	err := fl.TryLock()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if fl.Held() {
		t.Error("Held: got true after failed TryLock")
	}
}
