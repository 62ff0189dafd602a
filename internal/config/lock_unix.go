//go:build !windows

package config

import (
	"os"
	"syscall"
)

// lockFile takes an exclusive advisory lock for the read-modify-write cycle.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

func unlockFile(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
