//go:build windows

package booklet

import "errors"

func freeBytes(path string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
