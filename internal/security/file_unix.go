//go:build unix
// +build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

// Seed files are guarded with flock so two processes cannot both decide
// they are the first writer.

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
