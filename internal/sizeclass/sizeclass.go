// Package sizeclass layers a fixed-size-class cache over a variable
// allocator. Eight power-of-two size classes (64..8192 bytes) each keep a
// lock-free LIFO free-list of previously-allocated, not-yet-freed blocks, so
// steady-state alloc/release traffic in a given size range never touches the
// variable allocator's free-list CAS loop.
package sizeclass

import (
	"unsafe"

	ipcerrors "github.com/sile/ipc-msgque/internal/errors"
	"github.com/sile/ipc-msgque/internal/varalloc"
)

// NumClasses is the number of size classes.
const NumClasses = 8

// classSizes holds the block size, in bytes, of each class. Class 0 is the
// smallest (64 bytes), class 7 the largest (8192 bytes).
var classSizes = [NumClasses]uint32{64, 128, 256, 512, 1024, 2048, 4096, 8192}

// Ceiling is the largest size the cache serves directly; requests above it
// are passed straight through to the backing allocator.
const Ceiling = 8192

// recordWords is the number of uint64 words one class record occupies in
// the cache header: blockSize|used (1 word), free|reserved (1 word), head
// (1 word) — 24 bytes, matching the reference byte layout.
const recordWords = 3

// HeaderBytes is the total size of the cache header region.
const HeaderBytes = NumClasses * recordWords * 8

// record indices within a class's 3-word block.
const (
	wordCounts = 0 // low32 = blockSize (informational, fixed at init), high32 = used
	wordFree   = 1 // low32 = free count, high32 unused
	wordHead   = 2 // low32 = version tag, high32 = head descriptor
)

// Cache is the fixed-size-class allocator. It owns no memory of its own
// beyond the small header slice describing the eight classes; all payload
// bytes come from the wrapped varalloc.Allocator.
type Cache struct {
	header []uint64 // NumClasses * recordWords words
	back   *varalloc.Allocator
}

// New wraps header (which must be at least HeaderBytes long) and back.
func New(header []byte, back *varalloc.Allocator) (*Cache, error) {
	if len(header) < HeaderBytes {
		return nil, ipcerrors.InvalidSize(uintptr(len(header)), "sizeclass cache header too small")
	}
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&header[0])), NumClasses*recordWords)
	return &Cache{header: words, back: back}, nil
}

// Init zeroes the class records and stamps each class's fixed block size.
func (c *Cache) Init() {
	for i := 0; i < NumClasses; i++ {
		base := i * recordWords
		c.header[base+wordCounts] = uint64(classSizes[i])
		c.header[base+wordFree] = 0
		c.header[base+wordHead] = 0
	}
}

func classFor(size uint32) (int, bool) {
	if size > Ceiling {
		return 0, false
	}
	for i, s := range classSizes {
		if size <= s {
			return i, true
		}
	}
	return 0, false
}

// Allocate returns a descriptor for a block able to hold size bytes. Sizes
// within the cache's range are served from the matching class's free list
// when possible; sizes above Ceiling, and class misses, fall through to the
// backing variable allocator.
func (c *Cache) Allocate(size uint32) (varalloc.Descriptor, bool) {
	class, ok := classFor(size)
	if !ok {
		return c.back.Allocate(size)
	}
	if d, ok := c.pop(class); ok {
		return d, true
	}
	d, ok := c.back.Allocate(classSizes[class])
	if ok {
		c.addUsed(class, 1)
	}
	return d, ok
}

// Release returns d to the cache (or, under the light-release policy, all
// the way back to the variable allocator) once its reference count reaches
// zero. Returns false only if d was already stale.
func (c *Cache) Release(d varalloc.Descriptor) bool {
	remaining, ok := c.back.Undup(d)
	if !ok {
		return false
	}
	if remaining > 0 {
		return true
	}
	chunks, ok := c.back.BlockChunks(d)
	if !ok {
		return c.back.Finalize(d)
	}
	size := chunks * varalloc.ChunkSize
	class, isCached := classFor(size)
	if !isCached {
		return c.back.Finalize(d)
	}

	used := c.used(class)
	free := c.free(class)
	if used < free {
		// Cache already holds more spares than blocks in active use for
		// this class: skip the push and free straight through.
		c.addUsed(class, ^uint32(0))
		return c.back.Finalize(d)
	}

	c.push(class, d)
	return true
}

// Dup increments d's reference count, exposed so a layer built atop the
// cache (the queue) can hold its own long-lived pins on cache-sourced
// blocks without reaching past the cache to the backing allocator.
func (c *Cache) Dup(d varalloc.Descriptor) bool {
	return c.back.Dup(d)
}

// Ptr returns the byte slice backing d's payload, or nil if d is stale.
func (c *Cache) Ptr(d varalloc.Descriptor) []byte {
	return c.back.Ptr(d)
}

// pop removes and revives the head of class's free list, returning the block
// under a fresh descriptor (new version, refcount one). Reviving under a new
// version means any descriptor from the block's previous lifetime fails Dup
// from here on, rather than aliasing the recycled block.
func (c *Cache) pop(class int) (varalloc.Descriptor, bool) {
	base := class * recordWords
	for {
		head := atomicLoad(&c.header[base+wordHead])
		headDesc := varalloc.Descriptor(uint32(head >> 32))
		if headDesc == varalloc.Zero {
			return varalloc.Zero, false
		}
		payload := c.back.Ptr(headDesc)
		if payload == nil || len(payload) < 4 {
			// The cached block vanished from under us (should not happen
			// absent corruption); drop it and report a miss.
			return varalloc.Zero, false
		}
		next := loadLink(payload)
		version := uint32(head) + 1
		newHead := (uint64(next) << 32) | uint64(version)
		if atomicCAS(&c.header[base+wordHead], head, newHead) {
			revived, ok := c.back.DupNew(headDesc)
			if !ok {
				return varalloc.Zero, false
			}
			c.addFree(class, ^uint32(0))
			c.addUsed(class, 1)
			return revived, true
		}
	}
}

// push links d onto the head of class's free list, storing the old head's
// raw bits inside d's own payload (the classic free-list-in-freed-memory
// trick) rather than in a side table.
func (c *Cache) push(class int, d varalloc.Descriptor) {
	base := class * recordWords
	payload := c.back.Ptr(d)
	for {
		head := atomicLoad(&c.header[base+wordHead])
		oldNext := uint32(head >> 32)
		if payload != nil && len(payload) >= 4 {
			storeLink(payload, oldNext)
		}
		version := uint32(head) + 1
		newHead := (uint64(d) << 32) | uint64(version)
		if atomicCAS(&c.header[base+wordHead], head, newHead) {
			c.addFree(class, 1)
			c.addUsed(class, ^uint32(0))
			return
		}
	}
}

func (c *Cache) used(class int) uint32 {
	return uint32(atomicLoad(&c.header[class*recordWords+wordCounts]) >> 32)
}

func (c *Cache) free(class int) uint32 {
	return uint32(atomicLoad(&c.header[class*recordWords+wordFree]))
}

func (c *Cache) addUsed(class int, delta uint32) {
	idx := class*recordWords + wordCounts
	for {
		w := atomicLoad(&c.header[idx])
		used := uint32(w>>32) + delta
		nw := (uint64(used) << 32) | uint64(uint32(w))
		if atomicCAS(&c.header[idx], w, nw) {
			return
		}
	}
}

func (c *Cache) addFree(class int, delta uint32) {
	idx := class*recordWords + wordFree
	for {
		w := atomicLoad(&c.header[idx])
		nf := uint32(w) + delta
		nw := uint64(nf)
		if atomicCAS(&c.header[idx], w, nw) {
			return
		}
	}
}

// Stats reports the advisory used/free counters for one size class.
type Stats struct {
	BlockSize uint32
	Used      uint32
	Free      uint32
}

// ClassStats returns advisory statistics for all classes.
func (c *Cache) ClassStats() [NumClasses]Stats {
	var out [NumClasses]Stats
	for i := 0; i < NumClasses; i++ {
		out[i] = Stats{BlockSize: classSizes[i], Used: c.used(i), Free: c.free(i)}
	}
	return out
}

// The free-list link occupies a cached block's first payload word — the same
// word a queue node's successor link lands in once the block is reallocated.
// A slow popper can therefore read it while a new owner overwrites it, so
// both ends of the link go through a 32-bit atomic; the popper's stale value
// is discarded when its head CAS fails against the bumped version tag.
func loadLink(p []byte) uint32 {
	return atomicLoad32((*uint32)(unsafe.Pointer(&p[0])))
}

func storeLink(p []byte, v uint32) {
	atomicStore32((*uint32)(unsafe.Pointer(&p[0])), v)
}
