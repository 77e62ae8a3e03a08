// Package region provides reference implementations of a region provider:
// something that hands the queue facade a byte slice backed by memory
// shared across unrelated processes. Neither implementation here is part
// of the core allocator/cache/queue — they are sample collaborators, one
// anonymous and one named-file, built on golang.org/x/sys/unix.
package region

import "fmt"

// Provider hands out the backing bytes for one shared region and releases
// them on Close. Implementations must guarantee byte-level coherence and
// atomicity of aligned 32- and 64-bit accesses across any process that maps
// the same underlying memory.
type Provider interface {
	// Bytes returns the mapped region. The returned slice is valid until
	// Close is called.
	Bytes() []byte
	// Close unmaps the region. Implementations must tolerate being called
	// more than once.
	Close() error
}

// ErrClosed is the error value for a Provider used after Close. The
// providers in this package do not return it: Close is idempotent and
// Bytes does not check whether the mapping was closed.
var ErrClosed = fmt.Errorf("region: provider already closed")
