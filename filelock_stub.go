//go:build !unix && !windows

package pe32

import "os"

// No advisory locking on this platform.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
