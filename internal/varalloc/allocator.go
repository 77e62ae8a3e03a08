// Package varalloc implements the lock-free variable-size block allocator:
// a free-list over a flat, offset-addressed region, using optimistic
// compare-and-swap for split, release, and a two-phase adjacency join that
// coalesces neighboring free blocks opportunistically during traversal.
package varalloc

import (
	"time"
	"unsafe"

	ipcerrors "github.com/sile/ipc-msgque/internal/errors"
)

// ChunkSize is the allocation quantum: every block's size in bytes is a
// multiple of ChunkSize.
const ChunkSize = 32

// DefaultMaxRetries bounds the optimistic CAS loops in Allocate and Release.
// Exceeding it surfaces as a null descriptor or false return rather than
// spinning forever.
const DefaultMaxRetries = 32

// Allocator manages a region shaped as a node-header array followed by a
// chunk array of matching length, per the node/chunk layout documented in
// node.go. The region may be backed by shared memory; all mutation goes
// through CAS on individual node words, so many processes can share one
// Allocator's backing bytes safely.
type Allocator struct {
	nodes      []uint64
	chunks     []byte
	n          uint32
	maxRetries int
}

// config holds the tunables New's Option values adjust before an Allocator
// is constructed.
type config struct {
	maxRetries int
}

func defaultConfig() *config {
	return &config{maxRetries: DefaultMaxRetries}
}

// Option configures a non-default tunable at New time.
type Option func(*config)

// WithMaxRetries overrides the bounded-retry budget (default
// DefaultMaxRetries) the split/coalesce/splice CAS loops spend before giving
// up and reporting failure to the caller. A region shared by many contending
// peers may want a higher budget than a single-process benchmark.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// HeaderBytes returns the number of bytes a region of n addressable nodes
// requires for the node array itself (n * 8 bytes).
func HeaderBytes(n uint32) uint32 { return n * 8 }

// RegionBytes returns the total bytes a region of n addressable nodes
// occupies (node array plus chunk array).
func RegionBytes(n uint32) uint32 { return n*8 + n*ChunkSize }

// New wraps region as an Allocator. region's length must be large enough for
// at least two nodes (a sentinel and one free block); the usable node count
// is derived from len(region) / 40. Options override tunables such as the
// bounded-retry budget; callers that don't need to adjust them pass none.
func New(region []byte, opts ...Option) (*Allocator, error) {
	n := uint32(len(region) / (8 + ChunkSize))
	if n < 2 {
		return nil, ipcerrors.InvalidSize(uintptr(len(region)), "varalloc region too small")
	}
	if n > MaxIndex {
		n = MaxIndex
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	nodeBytes := int(n) * 8
	nodes := unsafe.Slice((*uint64)(unsafe.Pointer(&region[0])), n)
	chunks := region[nodeBytes : nodeBytes+int(n)*ChunkSize]
	return &Allocator{nodes: nodes, chunks: chunks, n: n, maxRetries: cfg.maxRetries}, nil
}

// PlanLayout reports the node capacity, chunk size, and total chunk-array
// bytes a region of regionBytes total bytes would yield once the queue and
// size-class headers are subtracted by the root facade — a pure sizing
// calculation callers can use to decide how large a region to request
// before allocating or mapping one. headerBytes is the caller's
// already-known fixed-header overhead (queue header plus size-class
// header); the remainder is divided the same way New does internally.
func PlanLayout(regionBytes, headerBytes int) Layout {
	remaining := regionBytes - headerBytes
	if remaining < 0 {
		remaining = 0
	}
	n := uint32(remaining / (8 + ChunkSize))
	if n > MaxIndex {
		n = MaxIndex
	}
	return Layout{NodeCount: n, ChunkSize: ChunkSize, MaxPayloadBytes: n * ChunkSize}
}

// Layout summarizes the addressable capacity a region plans out to, for a
// caller sizing a region before it exists (see PlanLayout).
type Layout struct {
	NodeCount       uint32
	ChunkSize       uint32
	MaxPayloadBytes uint32
}

// Cap returns the number of addressable nodes.
func (a *Allocator) Cap() uint32 { return a.n }

// Init writes the initial sentinel-plus-one-free-block free list. Callers
// attaching to an already-initialized region must not call Init again.
func (a *Allocator) Init() {
	a.nodes[0] = packNode(0, 1, 0, statusAvailable)
	a.nodes[1] = packNode(0, a.n, a.n-1, statusAvailable)
}

func (a *Allocator) load(i uint32) uint64 {
	return atomicLoad(&a.nodes[i])
}

func sizeToChunks(size uint32) uint32 {
	k := (size + ChunkSize - 1) / ChunkSize
	if k == 0 {
		k = 1
	}
	return k
}

// Allocate reserves a block able to hold at least size bytes and returns a
// fresh descriptor with refcount 1. Returns (Zero, false) if the region is
// exhausted or the bounded retry budget is spent racing other mutators.
//
// The traversal carries each node's snapshot forward when advancing onto it
// and re-verifies the predecessor's word on every step. A node absorbed by a
// concurrent join keeps its stale JOIN_TAIL-marked word in its slot forever
// (the merge rewrites only the predecessor), so a traverser whose local
// predecessor was absorbed after the advance must detect the mutation and
// restart rather than act on the orphaned word — acting on it would
// resurrect a phantom free block overlapping the merged one.
func (a *Allocator) Allocate(size uint32) (Descriptor, bool) {
	k := sizeToChunks(size)
	retries := 0
restart:
	for {
		predIdx := uint32(0)
		predWord := a.load(predIdx)
		for {
			currIdx := unpackNext(predWord)
			if currIdx >= a.n {
				// end of list: out of memory.
				return Zero, false
			}
			currWord := a.load(currIdx)
			if a.load(predIdx) != predWord || staleSnapshot(predWord, currIdx, currWord) {
				if !a.backoff(&retries) {
					return Zero, false
				}
				continue restart
			}

			if a.shouldCoalesce(predIdx, predWord, currIdx, currWord) {
				merged, ok := a.tryCoalesce(predIdx, predWord, currIdx, currWord)
				if !ok {
					if !a.backoff(&retries) {
						return Zero, false
					}
					continue restart
				}
				// pred absorbed curr; re-examine pred under its merged word.
				predWord = merged
				continue
			}

			if unpackStatus(currWord) == statusAvailable && unpackCount(currWord) > k {
				if a.trySplit(currIdx, currWord, k) {
					newCount := unpackCount(currWord) - k
					allocIdx := currIdx + newCount
					// The allocated slot's header lives at allocIdx; write its
					// header now that the split shrink has committed.
					av := unpackVersion(a.load(allocIdx))
					allocated := packNode(av+1, 1, k, statusAllocated)
					atomicStore(&a.nodes[allocIdx], allocated)
					return packDescriptor((av+1)&uint32(versionMask), allocIdx), true
				}
				if !a.backoff(&retries) {
					return Zero, false
				}
				continue restart
			}

			// Not a fit: advance, keeping curr's just-verified word as the
			// new predecessor snapshot.
			predIdx, predWord = currIdx, currWord
		}
	}
}

// staleSnapshot reports whether an observed (pred, curr) pair can no longer
// be trusted: curr carrying JOIN_TAIL while pred lacks JOIN_HEAD means the
// mark belongs to a join initiated through a different predecessor — curr
// was (or is being) absorbed up-chain and its word is orphaned; curr
// carrying JOIN_HEAD whose next no longer starts where its span ends means
// the adjacency that justified the mark has lapsed.
func staleSnapshot(predWord uint64, currIdx uint32, currWord uint64) bool {
	if unpackStatus(currWord)&statusJoinTail != 0 && unpackStatus(predWord)&statusJoinHead == 0 {
		return true
	}
	if unpackStatus(currWord)&statusJoinHead != 0 && unpackNext(currWord) != currIdx+unpackCount(currWord) {
		return true
	}
	return false
}

// trySplit shrinks the free block at idx (currently holding currWord) by k
// chunks, carving the allocation out of its tail. The allocated tail's own
// header slot still holds whatever word it last carried; Allocate overwrites
// it after this commits, bumping that word's version.
func (a *Allocator) trySplit(idx uint32, currWord uint64, k uint32) bool {
	count := unpackCount(currWord)
	newCount := count - k
	shrunk := packNode(unpackVersion(currWord)+1, unpackNext(currWord), newCount, statusAvailable)
	return atomicCAS(&a.nodes[idx], currWord, shrunk)
}

// shouldCoalesce reports whether pred and curr are physically adjacent free
// blocks eligible for the two-phase join.
func (a *Allocator) shouldCoalesce(predIdx uint32, predWord uint64, currIdx uint32, currWord uint64) bool {
	if unpackStatus(predWord)&statusAllocated != 0 {
		return false
	}
	if unpackStatus(currWord)&statusAllocated != 0 {
		return false
	}
	return predIdx+unpackCount(predWord) == currIdx
}

// tryCoalesce executes the mark-then-merge two-phase join described in the
// allocator's design notes: mark pred JOIN_HEAD, mark curr JOIN_TAIL, then
// fold curr's span into pred and drop curr from the list. On success it
// returns pred's merged word so the caller can keep traversing from it
// without a reload. The absorbed slot keeps its JOIN_TAIL-marked word; any
// traverser still holding it as a predecessor fails the staleSnapshot check
// instead of treating it as live.
func (a *Allocator) tryCoalesce(predIdx uint32, predWord uint64, currIdx uint32, currWord uint64) (uint64, bool) {
	markedPred := withStatus(predWord, unpackStatus(predWord)|statusJoinHead)
	if !atomicCAS(&a.nodes[predIdx], predWord, markedPred) {
		return 0, false
	}
	markedCurr := withStatus(currWord, unpackStatus(currWord)|statusJoinTail)
	if !atomicCAS(&a.nodes[currIdx], currWord, markedCurr) {
		// Roll the predecessor mark back; a racer will see AVAILABLE again.
		atomicCAS(&a.nodes[predIdx], markedPred, predWord)
		return 0, false
	}
	// The merged word consumes this join's own marks but inherits curr's
	// JOIN_HEAD if curr had already begun a join with its successor: the
	// inherited mark lets the next traversal over the merged node finish
	// that stalled join instead of rejecting its successor's JOIN_TAIL as
	// orphaned forever.
	mergedStatus := (unpackStatus(markedPred) &^ statusJoinHead) | (unpackStatus(markedCurr) &^ statusJoinTail)
	merged := packNode(unpackVersion(markedPred)+1, unpackNext(markedCurr), unpackCount(predWord)+unpackCount(markedCurr), mergedStatus)
	if !atomicCAS(&a.nodes[predIdx], markedPred, merged) {
		return 0, false
	}
	return merged, true
}

// Release drops d's reference count by one and, if it reaches zero, splices
// the node back onto the free list (folding it into an adjacent predecessor
// when possible). Returns false if d is already stale (InvalidDescriptor).
func (a *Allocator) Release(d Descriptor) bool {
	if left, ok := a.undupTo(d, 1); !ok || left > 0 {
		return ok
	}
	return a.spliceFree(d.Index())
}

// Undup decrements d's reference count by one without freeing the block,
// even if the count reaches zero. Callers that want to retain the block in
// a size-class cache rather than returning it to the free list use this
// instead of Release, later calling Finalize if they decide to free it
// after all, or DupNew to revive it for reuse (Dup refuses a zero-count
// block).
func (a *Allocator) Undup(d Descriptor) (remaining uint32, ok bool) {
	return a.undupTo(d, 1)
}

// Finalize splices an allocated node whose reference count has already
// reached zero (via Undup) back onto the free list. It is the second half
// of Release, usable independently by a layer that tracks refcounts itself.
func (a *Allocator) Finalize(d Descriptor) bool {
	w := a.load(d.Index())
	if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() || unpackNext(w) != 0 {
		return false
	}
	return a.spliceFree(d.Index())
}

// BlockChunks returns the size, in chunks, of the block d refers to, or
// (0, false) if d is stale.
func (a *Allocator) BlockChunks(d Descriptor) (uint32, bool) {
	w := a.load(d.Index())
	if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() {
		return 0, false
	}
	return unpackCount(w), true
}

func (a *Allocator) spliceFree(idx uint32) bool {
	retries := 0
	for {
		predIdx := uint32(0)
		for {
			predWord := a.load(predIdx)
			nxt := unpackNext(predWord)
			if nxt > idx || nxt >= a.n {
				break
			}
			predIdx = nxt
		}
		predWord := a.load(predIdx)
		if unpackStatus(predWord)&(statusJoinHead|statusJoinTail) != 0 {
			// pred is mid-join, or was itself absorbed and its slot holds an
			// orphaned marked word; either way splicing through it now could
			// link into a node the live list no longer reaches. Walk again.
			if !a.backoff(&retries) {
				return false
			}
			continue
		}
		nodeWord := a.load(idx)
		count := unpackCount(nodeWord)
		nxt := unpackNext(predWord)

		freed := packNode(unpackVersion(nodeWord)+1, nxt, count, statusAvailable)
		if predIdx+unpackCount(predWord) == idx && unpackStatus(predWord)&statusAllocated == 0 {
			// Fold directly into the physically-adjacent predecessor.
			merged := packNode(unpackVersion(predWord)+1, nxt, unpackCount(predWord)+count, statusAvailable)
			if atomicCAS(&a.nodes[idx], nodeWord, freed) && atomicCAS(&a.nodes[predIdx], predWord, merged) {
				return true
			}
		} else {
			if atomicCAS(&a.nodes[idx], nodeWord, freed) {
				linked := withNext(withVersionBump(predWord), idx)
				if atomicCAS(&a.nodes[predIdx], predWord, linked) {
					return true
				}
			}
		}
		if !a.backoff(&retries) {
			return false
		}
	}
}

// Dup increments d's reference count, returning false if d is already dead:
// version mismatch at its node slot, or reference count already at zero. The
// zero-count case matters for blocks a cache layer holds onto after their
// last release — a stale descriptor must not revive one of those; only
// DupNew, which retags the slot, brings a zero-count block back.
func (a *Allocator) Dup(d Descriptor) bool {
	for {
		w := a.load(d.Index())
		if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() {
			return false
		}
		rc := unpackNext(w)
		if rc == 0 {
			return false
		}
		bumped := withNext(w, rc+1)
		if atomicCAS(&a.nodes[d.Index()], w, bumped) {
			return true
		}
	}
}

// DupNew revives a zero-refcount block under a fresh version, returning the
// new descriptor with refcount 1. Any descriptor minted before the revival
// now fails Dup on the version mismatch, so a holder of the block's previous
// identity cannot alias its new one. Fails if d's version is stale or the
// block still has outstanding references.
func (a *Allocator) DupNew(d Descriptor) (Descriptor, bool) {
	for {
		w := a.load(d.Index())
		if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() || unpackNext(w) != 0 {
			return Zero, false
		}
		nv := (unpackVersion(w) + 1) & uint32(versionMask)
		revived := packNode(nv, 1, unpackCount(w), statusAllocated)
		if atomicCAS(&a.nodes[d.Index()], w, revived) {
			return packDescriptor(nv, d.Index()), true
		}
	}
}

// undupTo decrements the refcount of d by delta, returning the remaining
// count and whether d was live at all.
func (a *Allocator) undupTo(d Descriptor, delta uint32) (uint32, bool) {
	for {
		w := a.load(d.Index())
		if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() {
			return 0, false
		}
		rc := unpackNext(w)
		if rc < delta {
			return 0, false
		}
		dropped := withNext(w, rc-delta)
		if atomicCAS(&a.nodes[d.Index()], w, dropped) {
			return rc - delta, true
		}
	}
}

// Ptr returns the byte slice backing d's payload, or nil if d is stale.
func (a *Allocator) Ptr(d Descriptor) []byte {
	w := a.load(d.Index())
	if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() {
		return nil
	}
	start := int(d.Index()) * ChunkSize
	length := int(unpackCount(w)) * ChunkSize
	return a.chunks[start : start+length]
}

// RefCount returns d's current reference count, or 0 if it is stale.
func (a *Allocator) RefCount(d Descriptor) uint32 {
	w := a.load(d.Index())
	if unpackStatus(w)&statusAllocated == 0 || unpackVersion(w) != d.Version() {
		return 0
	}
	return unpackNext(w)
}

func (a *Allocator) backoff(retries *int) bool {
	*retries++
	if *retries > a.maxRetries {
		return false
	}
	time.Sleep(time.Duration(*retries) * time.Microsecond)
	return true
}

// Stats summarizes a Verify pass over the free list.
type Stats struct {
	FreeBlocks     int
	FreeChunks     uint32
	LargestFree    uint32
	TraversedNodes int
}

// Verify walks the free list from the sentinel and checks invariants #1 and
// #2: the list is well-formed (strictly increasing index+count) and every
// visited node is in a free-list status. It does not mutate the region and
// is not safe to call concurrently with mutators expecting a stable view,
// though it will not corrupt state if run concurrently — it only reads.
func (a *Allocator) Verify() (Stats, error) {
	var st Stats
	idx := uint32(0)
	lastEnd := uint32(0)
	for {
		w := a.load(idx)
		if unpackStatus(w)&statusAllocated != 0 {
			return st, ipcerrors.PointerArithmetic("free list reached an allocated node")
		}
		if idx != 0 && idx < lastEnd {
			return st, ipcerrors.PointerArithmetic("free list nodes overlap")
		}
		count := unpackCount(w)
		if idx != 0 {
			st.FreeBlocks++
			st.FreeChunks += count
			if count > st.LargestFree {
				st.LargestFree = count
			}
		}
		lastEnd = idx + count
		st.TraversedNodes++
		nxt := unpackNext(w)
		if nxt >= a.n {
			break
		}
		idx = nxt
	}
	return st, nil
}
