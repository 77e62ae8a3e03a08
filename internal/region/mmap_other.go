//go:build !linux && !darwin
// +build !linux,!darwin

package region

import (
	"fmt"
	"os"
)

// NewAnonymous is unavailable on this platform; the reference providers are
// mmap(2)-based and only ship for linux/darwin.
func NewAnonymous(size int) (Provider, error) {
	return nil, fmt.Errorf("region: anonymous mmap provider not implemented on this platform")
}

// NewNamed is unavailable on this platform; see NewAnonymous.
func NewNamed(path string, size int, mode os.FileMode) (Provider, error) {
	return nil, fmt.Errorf("region: named mmap provider not implemented on this platform")
}
