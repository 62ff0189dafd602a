//go:build windows

package config

import "os"

// Windows has no flock equivalent we rely on; the in-process mutex still
// serializes writers within the service.
func lockFile(_ *os.File) error { return nil }

func unlockFile(_ *os.File) {}
