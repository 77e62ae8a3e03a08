// Package atomickit provides the small set of atomic primitives the
// allocator, cache, and queue layers build on: compare-and-swap, fetch-add,
// fetch-and-clear, and a Snapshot helper that bundles an optimistic read with
// the CAS that commits it.
package atomickit

import "sync/atomic"

// CAS32 attempts to swap the 32-bit word at addr from old to new.
func CAS32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

// CAS64 attempts to swap the 64-bit word at addr from old to new.
func CAS64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// Load32 reads the 32-bit word at addr.
func Load32(addr *uint32) uint32 { return atomic.LoadUint32(addr) }

// Load64 reads the 64-bit word at addr.
func Load64(addr *uint64) uint64 { return atomic.LoadUint64(addr) }

// Store32 writes v to the 32-bit word at addr.
func Store32(addr *uint32, v uint32) { atomic.StoreUint32(addr, v) }

// Store64 writes v to the 64-bit word at addr.
func Store64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }

// FetchAdd32 atomically adds delta to the word at addr and returns the new value.
func FetchAdd32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, delta)
}

// FetchSub32 atomically subtracts delta from the word at addr and returns the new value.
func FetchSub32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, ^(delta - 1))
}

// FetchAndClear32 atomically reads the word at addr and resets it to zero,
// returning the value observed before the clear.
func FetchAndClear32(addr *uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, 0) {
			return old
		}
	}
}

// Snapshot32 captures the value of a 32-bit word at a point in time and lets
// the caller attempt a CAS back against that observed value later, without
// re-deriving the old value at the call site.
type Snapshot32 struct {
	addr  *uint32
	value uint32
}

// TakeSnapshot32 observes the current value of addr.
func TakeSnapshot32(addr *uint32) Snapshot32 {
	return Snapshot32{addr: addr, value: atomic.LoadUint32(addr)}
}

// Value returns the observed value.
func (s Snapshot32) Value() uint32 { return s.value }

// Stale reports whether addr has changed since the snapshot was taken.
func (s Snapshot32) Stale() bool {
	return atomic.LoadUint32(s.addr) != s.value
}

// CASTo attempts to replace the snapshotted value with next. Fails if the
// word has moved since the snapshot (the ABA-relevant case the caller must
// detect and retry on).
func (s Snapshot32) CASTo(next uint32) bool {
	return atomic.CompareAndSwapUint32(s.addr, s.value, next)
}

// Snapshot64 is the 64-bit analogue of Snapshot32, used for the packed node
// headers and size-class list heads.
type Snapshot64 struct {
	addr  *uint64
	value uint64
}

// TakeSnapshot64 observes the current value of addr.
func TakeSnapshot64(addr *uint64) Snapshot64 {
	return Snapshot64{addr: addr, value: atomic.LoadUint64(addr)}
}

// Value returns the observed value.
func (s Snapshot64) Value() uint64 { return s.value }

// Stale reports whether addr has changed since the snapshot was taken.
func (s Snapshot64) Stale() bool {
	return atomic.LoadUint64(s.addr) != s.value
}

// CASTo attempts to replace the snapshotted value with next.
func (s Snapshot64) CASTo(next uint64) bool {
	return atomic.CompareAndSwapUint64(s.addr, s.value, next)
}
