package msgque

import (
	"github.com/sile/ipc-msgque/internal/sizeclass"
)

// Byte offsets within the region, per the reference layout: a fixed queue
// header, followed by the cache header, followed by the variable
// allocator's node-and-chunk arrays.
const (
	offMagic      = 0
	magicBytes    = 12
	offRegionSize = offMagic + magicBytes
	offHead       = offRegionSize + 4
	offTail       = offHead + 4
	offOverflow   = offTail + 4
	// offReserved pads the queue header to an 8-byte multiple so the cache
	// header and allocator node array that follow it land on 8-byte
	// boundaries within the region — required for the uint64 atomics both
	// layers perform on their packed words. Without this, a 28-byte header
	// (magic+region_size+head+tail+overflow, no padding) would leave every
	// downstream uint64 slice 4 bytes off an 8-byte boundary.
	offReserved = offOverflow + 4
	// queueHeaderBytes is the fixed-size prefix every region pays regardless
	// of capacity: magic, region_size, head, tail, overflow_count, padding.
	queueHeaderBytes = offReserved + 4
	offCacheHeader   = queueHeaderBytes
	offAllocator     = offCacheHeader + sizeclass.HeaderBytes
)

// formatVersion is the semver embedded in the on-disk magic. A stored
// region whose version falls outside the caret range "^"+formatVersion
// (for a 0.x version: a different minor version, or an older patch) is
// reported rather than reinitialized, since its on-disk layout may not
// agree with this build's.
const formatVersion = "0.1.2"

// magicPrefix precedes the embedded semver string in the on-disk magic.
const magicPrefix = "IMQUE-"

// minRegionBytes is the smallest region Construct will accept: header bytes
// plus room for a minimal two-node allocator (sentinel + one free block).
func minRegionBytes() int {
	return offAllocator + 2*(8+32)
}
