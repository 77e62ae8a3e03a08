//go:build linux || darwin
// +build linux darwin

package region

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// anonymousRegion backs a Provider with an anonymous, MAP_SHARED mapping:
// invisible outside this process tree, but shared across a fork (or simply
// usable single-process, for tests).
type anonymousRegion struct {
	data   []byte
	closed bool
}

// NewAnonymous maps size bytes of zero-initialized, shared anonymous
// memory. The mapping is inherited across fork(2) but cannot be attached to
// by an unrelated process — use NewNamed for that.
func NewAnonymous(size int) (Provider, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("region: mmap anonymous: %w", err)
	}
	return &anonymousRegion{data: data}, nil
}

func (r *anonymousRegion) Bytes() []byte { return r.data }

func (r *anonymousRegion) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Munmap(r.data)
}

// namedRegion backs a Provider with a file-backed MAP_SHARED mapping:
// any process that opens the same path and maps it becomes a peer.
type namedRegion struct {
	file   *os.File
	data   []byte
	closed bool
}

// NewNamed opens (creating if absent) the file at path, truncates it to
// size if it is smaller, and maps it MAP_SHARED so writes are visible to
// every other process that maps the same file. The caller is responsible
// for calling InitOnce (or equivalent) after mapping, since NewNamed itself
// has no opinion on whether it is the first process to touch the file.
func NewNamed(path string, size int, mode os.FileMode) (Provider, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("region: truncate %s to %d: %w", path, size, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}
	return &namedRegion{file: f, data: data}, nil
}

func (r *namedRegion) Bytes() []byte { return r.data }

func (r *namedRegion) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := unix.Munmap(r.data); err != nil {
		r.file.Close()
		return fmt.Errorf("region: munmap: %w", err)
	}
	return r.file.Close()
}
