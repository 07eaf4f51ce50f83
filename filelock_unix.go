//go:build unix

package pe32

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock so two patch runs cannot write
// the same image at once.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
