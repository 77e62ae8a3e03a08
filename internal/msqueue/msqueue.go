// Package msqueue implements a Michael-Scott lock-free FIFO queue whose
// nodes are blocks obtained from a reference-counted block allocator. Head
// and tail are 32-bit descriptors living in caller-owned shared memory;
// every node carries exactly two long-lived reference-count units across
// its lifetime — one for being designated the current tail, one for being
// reachable as a predecessor's successor link — each dropped exactly once
// when the corresponding pointer moves past it. Safe traversal of a node
// whose refcount might hit zero concurrently is via a short-lived "pin"
// (dup immediately before dereferencing, release immediately after).
package msqueue

import (
	"unsafe"

	"github.com/sile/ipc-msgque/internal/atomickit"
	"github.com/sile/ipc-msgque/internal/varalloc"
)

const (
	nextOff = 0
	sizeOff = 4
	dataOff = 8
	// nodeHeaderSize is the fixed overhead every queue node pays beyond its
	// payload: a 32-bit successor descriptor and a 32-bit data-size field.
	nodeHeaderSize = dataOff
)

// BlockAllocator is the subset of varalloc.Allocator / sizeclass.Cache the
// queue needs: allocate, release, duplicate, and dereference a descriptor.
type BlockAllocator interface {
	Allocate(size uint32) (varalloc.Descriptor, bool)
	Release(d varalloc.Descriptor) bool
	Dup(d varalloc.Descriptor) bool
	Ptr(d varalloc.Descriptor) []byte
}

// Queue is the lock-free FIFO. Head and tail live in shared memory supplied
// by the caller (typically the root facade's queue header); Queue itself
// holds no state beyond pointers to those two words and the allocator.
type Queue struct {
	head  *uint32
	tail  *uint32
	alloc BlockAllocator
}

// New wraps headWord and tailWord (32-bit descriptor slots in shared
// memory) with alloc as the backing block source.
func New(headWord, tailWord *uint32, alloc BlockAllocator) *Queue {
	return &Queue{head: headWord, tail: tailWord, alloc: alloc}
}

// Init allocates the sentinel node and points both head and tail at it. The
// sentinel is duplicated once so its initial refcount (2) matches the
// two designations — head and tail — it starts out holding.
func (q *Queue) Init() bool {
	d, ok := q.alloc.Allocate(nodeHeaderSize)
	if !ok {
		return false
	}
	p := q.alloc.Ptr(d)
	storeNext(p, 0)
	putLE32(p[sizeOff:], 0)
	if !q.alloc.Dup(d) {
		q.alloc.Release(d)
		return false
	}
	atomickit.Store32(q.head, uint32(d))
	atomickit.Store32(q.tail, uint32(d))
	return true
}

// Enq appends data to the tail of the queue. Returns false if the allocator
// cannot provide a block large enough (the caller is expected to count this
// as an overflow).
func (q *Queue) Enq(data []byte) bool {
	return q.Enqv([][]byte{data})
}

// Enqv appends the concatenation of parts as one element, copying each part
// directly into the allocated node rather than through an intermediate
// contiguous buffer.
func (q *Queue) Enqv(parts [][]byte) bool {
	total := 0
	for _, part := range parts {
		total += len(part)
	}
	d, ok := q.alloc.Allocate(uint32(nodeHeaderSize + total))
	if !ok {
		return false
	}
	p := q.alloc.Ptr(d)
	storeNext(p, 0)
	putLE32(p[sizeOff:], uint32(total))
	off := dataOff
	for _, part := range parts {
		off += copy(p[off:], part)
	}

	if !q.alloc.Dup(d) {
		q.alloc.Release(d)
		return false
	}
	// d now carries its two long-lived units: tail-designate and
	// successor-designate.

	for {
		tailRaw := atomickit.Load32(q.tail)
		tailDesc := varalloc.Descriptor(tailRaw)
		if !q.alloc.Dup(tailDesc) {
			continue
		}
		tp := q.alloc.Ptr(tailDesc)
		if tp == nil {
			q.alloc.Release(tailDesc)
			continue
		}
		nextRaw := loadNext(tp)
		if nextRaw != 0 {
			// Tail is lagging behind the real last node; help it catch up.
			if atomickit.CAS32(q.tail, tailRaw, nextRaw) {
				q.alloc.Release(tailDesc)
			}
			q.alloc.Release(tailDesc)
			continue
		}
		if casNext(tp, 0, uint32(d)) {
			if atomickit.CAS32(q.tail, tailRaw, uint32(d)) {
				q.alloc.Release(tailDesc)
			}
			q.alloc.Release(tailDesc)
			return true
		}
		q.alloc.Release(tailDesc)
	}
}

// Deq removes the head element, copying its payload into dst (which must be
// large enough) and returning the number of bytes copied. Returns (0,
// false) if the queue is empty.
func (q *Queue) Deq(dst []byte) (int, bool) {
	for {
		headRaw := atomickit.Load32(q.head)
		headDesc := varalloc.Descriptor(headRaw)
		if !q.alloc.Dup(headDesc) {
			continue
		}
		hp := q.alloc.Ptr(headDesc)
		if hp == nil {
			q.alloc.Release(headDesc)
			continue
		}
		nextRaw := loadNext(hp)
		if nextRaw == 0 {
			q.alloc.Release(headDesc)
			return 0, false
		}
		nextDesc := varalloc.Descriptor(nextRaw)
		if !q.alloc.Dup(nextDesc) {
			q.alloc.Release(headDesc)
			continue
		}
		np := q.alloc.Ptr(nextDesc)
		if np == nil {
			q.alloc.Release(nextDesc)
			q.alloc.Release(headDesc)
			continue
		}
		size := loadSize(np)
		n := copy(dst, np[dataOff:dataOff+int(size)])
		if atomickit.CAS32(q.head, headRaw, nextRaw) {
			// The retiring head carried two units: the long-lived
			// head-designate unit it has held since it became head, and the
			// temporary pin taken at the top of this call. Both drop here.
			q.alloc.Release(headDesc)
			q.alloc.Release(headDesc)
			q.alloc.Release(nextDesc) // drop our temporary pin on the new head
			return n, true
		}
		q.alloc.Release(nextDesc)
		q.alloc.Release(headDesc)
	}
}

// IsEmpty reports whether the queue currently has no elements.
func (q *Queue) IsEmpty() bool {
	for {
		headRaw := atomickit.Load32(q.head)
		headDesc := varalloc.Descriptor(headRaw)
		if !q.alloc.Dup(headDesc) {
			continue
		}
		hp := q.alloc.Ptr(headDesc)
		if hp == nil {
			q.alloc.Release(headDesc)
			continue
		}
		empty := loadNext(hp) == 0
		q.alloc.Release(headDesc)
		return empty
	}
}

// PayloadSize returns the size of the pending element at the queue's head,
// or (0, false) if the queue is empty. Used by callers that want to size a
// destination buffer before calling Deq.
func (q *Queue) PayloadSize() (int, bool) {
	for {
		headRaw := atomickit.Load32(q.head)
		headDesc := varalloc.Descriptor(headRaw)
		if !q.alloc.Dup(headDesc) {
			continue
		}
		hp := q.alloc.Ptr(headDesc)
		if hp == nil {
			q.alloc.Release(headDesc)
			continue
		}
		nextRaw := loadNext(hp)
		if nextRaw == 0 {
			q.alloc.Release(headDesc)
			return 0, false
		}
		nextDesc := varalloc.Descriptor(nextRaw)
		if !q.alloc.Dup(nextDesc) {
			q.alloc.Release(headDesc)
			continue
		}
		np := q.alloc.Ptr(nextDesc)
		size := 0
		if np != nil {
			size = int(loadSize(np))
		}
		q.alloc.Release(nextDesc)
		q.alloc.Release(headDesc)
		return size, np != nil
	}
}

// The next field is mutated by concurrent enqueuers (the link CAS) while
// dequeuers read it, so every access goes through a 32-bit atomic on the
// field's address; a plain byte-wise read could observe a torn link and feed
// it into the head CAS.
func nextAddr(p []byte) *uint32 { return (*uint32)(unsafe.Pointer(&p[nextOff])) }

func loadNext(p []byte) uint32 { return atomickit.Load32(nextAddr(p)) }

func storeNext(p []byte, v uint32) { atomickit.Store32(nextAddr(p), v) }

func casNext(p []byte, old, new uint32) bool {
	return atomickit.CAS32(nextAddr(p), old, new)
}

// The size field is written once before the node is published by the link
// CAS and never mutated after, so plain accesses suffice.
func loadSize(p []byte) uint32 { return le32(p[sizeOff:]) }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
