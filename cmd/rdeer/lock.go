package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// lockRoot takes an exclusive lock for root so two servers never manage the
// same indexes. The lock file lives in lockDir, named after root, so the
// index tree itself may be read-only. The returned func releases it.
func lockRoot(lockDir, root string) (func(), error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return func() {}, fmt.Errorf("resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return func() {}, fmt.Errorf("create lock dir %s: %w", lockDir, err)
	}
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String() + ".lock"
	lockPath := filepath.Join(lockDir, name)

	l := flock.New(lockPath)
	locked, err := l.TryLock()
	if err != nil {
		return func() {}, fmt.Errorf("cannot acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return func() {}, fmt.Errorf("another rdeer server is serving %s (lock: %s)", abs, lockPath)
	}
	return func() { _ = l.Unlock() }, nil
}
