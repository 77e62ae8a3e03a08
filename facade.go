// Package msgque implements the public queue facade (layer F): a thin
// surface over the size-class cache, variable allocator, and Michael-Scott
// queue layered beneath it. Construct attaches to a caller-supplied byte
// region — typically backed by shared or anonymous memory obtained from an
// internal/region.Provider — and exposes Enq/Enqv/Deq/IsEmpty plus the
// overflow counter, with ApproxLen, ClassStats and Verify as diagnostics.
package msgque

import (
	"sync/atomic"
	"unsafe"

	semver "github.com/Masterminds/semver/v3"

	"github.com/sile/ipc-msgque/internal/atomickit"
	ipcerrors "github.com/sile/ipc-msgque/internal/errors"
	"github.com/sile/ipc-msgque/internal/msqueue"
	"github.com/sile/ipc-msgque/internal/sizeclass"
	"github.com/sile/ipc-msgque/internal/varalloc"
)

// Queue is the attached, ready-to-use facade over one region. The zero value
// is not usable; obtain one via Construct.
type Queue struct {
	region []byte
	cache  *sizeclass.Cache
	back   *varalloc.Allocator
	inner  *msqueue.Queue

	headWord     *uint32
	tailWord     *uint32
	overflowWord *uint32

	// elemCount is a process-local approximation of the queue's length,
	// bumped on this Queue handle's own successful Enq/Deq calls only. It
	// is not part of the shared region and does not see mutations made by
	// other attached peers (valid only under the assumption that this
	// handle is the sole mutator); never consulted by IsEmpty or any
	// invariant check.
	elemCount int64
}

// Option configures a non-default tunable at Construct time. The zero value
// of every tunable is the reference configuration's default, so most
// callers pass none.
type Option func(*options)

type options struct {
	allocOpts []varalloc.Option
}

// WithMaxRetries overrides the bounded-retry budget the backing variable
// allocator's split/coalesce/splice CAS loops spend before giving up (see
// varalloc.WithMaxRetries). A region shared by many contending peers may
// want a higher budget than the reference default of 32.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.allocOpts = append(o.allocOpts, varalloc.WithMaxRetries(n)) }
}

// Construct attaches to region, which must be at least minRegionBytes()
// long and zero-initialized the first time any peer attaches to it.
// Construct itself does not decide whether to run Init; call InitOnce (or
// Init, for a caller that knows it is first) before using the queue.
func Construct(region []byte, opts ...Option) (*Queue, error) {
	if len(region) == 0 {
		return nil, ipcerrors.NullRegion("msgque.Construct")
	}
	if len(region) < minRegionBytes() {
		return nil, ipcerrors.InvalidSize(uintptr(len(region)), "msgque.Construct: region smaller than minimum layout")
	}
	if base := uintptr(unsafe.Pointer(&region[0])); base%8 != 0 {
		// The allocator and cache CAS packed uint64 words reached through
		// this base; a misaligned base faults on architectures that require
		// aligned 64-bit atomics.
		return nil, ipcerrors.MisalignedRegion(base, "msgque.Construct")
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	allocRegion := region[offAllocator:]
	back, err := varalloc.New(allocRegion, cfg.allocOpts...)
	if err != nil {
		return nil, err
	}

	cacheRegion := region[offCacheHeader:offAllocator]
	cache, err := sizeclass.New(cacheRegion, back)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		region:       region,
		cache:        cache,
		back:         back,
		headWord:     wordAt(region, offHead),
		tailWord:     wordAt(region, offTail),
		overflowWord: wordAt(region, offOverflow),
	}
	q.inner = msqueue.New(q.headWord, q.tailWord, cache)
	return q, nil
}

func wordAt(region []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&region[off]))
}

// Init unconditionally (re)initializes the region: it writes a fresh magic,
// resets the allocator and cache, and allocates the queue's sentinel node.
// Callers that are not certain they are first to touch the region should
// use InitOnce instead.
func (q *Queue) Init() error {
	q.back.Init()
	q.cache.Init()
	atomickit.Store32(q.overflowWord, 0)
	if !q.inner.Init() {
		return ipcerrors.InvalidSize(uintptr(len(q.region)), "msgque.Init: failed to allocate sentinel node")
	}
	writeMagic(q.region)
	putLE32(q.region[offRegionSize:], uint32(len(q.region)))
	return nil
}

// InitOnce compares the region's stored magic and region_size against what
// this build expects and only calls Init when the region looks
// uninitialized or was resized. A region stamped with a format version
// outside the caret range "^"+formatVersion is reported as an error rather
// than silently
// reinitialized, since blindly doing so would discard a peer's in-flight
// state under a format this build cannot safely interpret.
func (q *Queue) InitOnce() error {
	stored := readMagic(q.region)
	if stored == "" {
		return q.Init()
	}

	version, compatible := parseMagic(stored)
	if version == nil {
		// Garbage magic: not a recognized format at all, safe to treat as
		// never initialized.
		return q.Init()
	}
	if !compatible {
		return ipcerrors.FormatVersionMismatch(version.String(), "^"+formatVersion)
	}

	storedSize := le32(q.region[offRegionSize:])
	if storedSize != uint32(len(q.region)) {
		return q.Init()
	}
	return nil
}

func parseMagic(stored string) (*semver.Version, bool) {
	if len(stored) <= len(magicPrefix) || stored[:len(magicPrefix)] != magicPrefix {
		return nil, false
	}
	v, err := semver.NewVersion(stored[len(magicPrefix):])
	if err != nil {
		return nil, false
	}
	constraint, err := semver.NewConstraint("^" + formatVersion)
	if err != nil {
		return v, false
	}
	return v, constraint.Check(v)
}

func writeMagic(region []byte) {
	var buf [magicBytes]byte
	copy(buf[:], magicPrefix+formatVersion)
	copy(region[offMagic:offMagic+magicBytes], buf[:])
}

func readMagic(region []byte) string {
	raw := region[offMagic : offMagic+magicBytes]
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[:end])
}

// Enq appends a single message to the tail of the queue. It returns false
// and increments the overflow counter if the allocator cannot satisfy the
// request (region exhaustion or a bounded-retry CAS failure); this is the
// only failure mode Enq has.
func (q *Queue) Enq(data []byte) bool {
	if !q.inner.Enq(data) {
		atomickit.FetchAdd32(q.overflowWord, 1)
		return false
	}
	atomic.AddInt64(&q.elemCount, 1)
	return true
}

// Enqv enqueues the concatenation of parts as a single message, with the
// same overflow semantics as Enq. It exists so callers building a message
// from several buffers (a header and a body, say) avoid an intermediate
// copy into one contiguous slice; each part is copied straight into the
// enqueued node.
func (q *Queue) Enqv(parts [][]byte) bool {
	if !q.inner.Enqv(parts) {
		atomickit.FetchAdd32(q.overflowWord, 1)
		return false
	}
	atomic.AddInt64(&q.elemCount, 1)
	return true
}

// Deq removes the queue's head message and copies its payload into dst,
// which must be large enough (see PayloadSize). Returns (0, false) if the
// queue is empty; this is a data condition, not an error.
func (q *Queue) Deq(dst []byte) (int, bool) {
	n, ok := q.inner.Deq(dst)
	if ok {
		atomic.AddInt64(&q.elemCount, -1)
	}
	return n, ok
}

// ApproxLen returns this handle's own running count of successful Enq calls
// minus successful Deq calls. It is a process-local hint, not a property of
// the shared region: it does not account for messages enqueued or dequeued
// through any other Queue handle attached to the same region (including a
// different handle in this same process), so it can read arbitrarily wrong
// in the presence of other peers. Never used by IsEmpty or any invariant.
func (q *Queue) ApproxLen() int64 {
	return atomic.LoadInt64(&q.elemCount)
}

// PlanLayout reports the node capacity a region of regionBytes total bytes
// would provide once Construct's fixed headers are subtracted, letting a
// caller decide how large a region to request before one exists (the
// facade's own cache header size is fixed; only the allocator's portion
// scales with regionBytes).
func PlanLayout(regionBytes int) varalloc.Layout {
	return varalloc.PlanLayout(regionBytes, offAllocator)
}

// PayloadSize reports the byte length of the pending message at the head of
// the queue, letting a caller size dst before calling Deq. Returns (0,
// false) if the queue is currently empty.
func (q *Queue) PayloadSize() (int, bool) {
	return q.inner.PayloadSize()
}

// IsEmpty reports whether the queue currently holds no messages.
func (q *Queue) IsEmpty() bool {
	return q.inner.IsEmpty()
}

// OverflowedCount returns the number of Enq calls that have failed due to
// allocator exhaustion since the last ResetOverflowedCount.
func (q *Queue) OverflowedCount() uint32 {
	return atomickit.Load32(q.overflowWord)
}

// ResetOverflowedCount atomically clears the overflow counter and returns
// its value immediately before the clear.
func (q *Queue) ResetOverflowedCount() uint32 {
	return atomickit.FetchAndClear32(q.overflowWord)
}

// Verify walks the backing allocator's free list and returns its stats,
// surfacing the allocator's own consistency checks (see
// varalloc.Allocator.Verify) through the facade.
func (q *Queue) Verify() (varalloc.Stats, error) {
	return q.back.Verify()
}

// ClassStats returns the advisory used/free counters for each size class,
// exposed for diagnostics and the imque-bench sample's -verify output.
func (q *Queue) ClassStats() [sizeclass.NumClasses]sizeclass.Stats {
	return q.cache.ClassStats()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
