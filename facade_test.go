package msgque

import (
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func attach(t *testing.T, regionLen int) *Queue {
	t.Helper()
	region := make([]byte, regionLen)
	q, err := Construct(region)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := q.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return q
}

func TestSmoke(t *testing.T) {
	q := attach(t, 64*1024)

	if !q.Enq([]byte("hello")) {
		t.Fatalf("Enq failed")
	}
	buf := make([]byte, 64)
	n, ok := q.Deq(buf)
	if !ok || string(buf[:n]) != "hello" {
		t.Fatalf("Deq = %q, %v", buf[:n], ok)
	}
	if !q.IsEmpty() {
		t.Fatalf("expected IsEmpty true")
	}
	if q.OverflowedCount() != 0 {
		t.Fatalf("expected zero overflow count")
	}
}

func TestPlanLayoutMatchesConstructedCapacity(t *testing.T) {
	const regionLen = 64 * 1024
	layout := PlanLayout(regionLen)
	if layout.NodeCount < 2 {
		t.Fatalf("expected at least 2 addressable nodes, got %d", layout.NodeCount)
	}

	q := attach(t, regionLen)
	if got := q.back.Cap(); got != layout.NodeCount {
		t.Fatalf("PlanLayout predicted %d nodes, Construct produced %d", layout.NodeCount, got)
	}
}

func TestConstructWithMaxRetries(t *testing.T) {
	region := make([]byte, 64*1024)
	q, err := Construct(region, WithMaxRetries(4))
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := q.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !q.Enq([]byte("hi")) {
		t.Fatalf("Enq failed with a reduced retry budget under no contention")
	}
}

func TestApproxLenTracksThisHandleOnly(t *testing.T) {
	q := attach(t, 64*1024)
	if n := q.ApproxLen(); n != 0 {
		t.Fatalf("expected ApproxLen 0 on a fresh queue, got %d", n)
	}
	q.Enq([]byte("a"))
	q.Enq([]byte("bb"))
	if n := q.ApproxLen(); n != 2 {
		t.Fatalf("expected ApproxLen 2 after two enqueues, got %d", n)
	}
	buf := make([]byte, 8)
	q.Deq(buf)
	if n := q.ApproxLen(); n != 1 {
		t.Fatalf("expected ApproxLen 1 after one dequeue, got %d", n)
	}
	if _, ok := q.Deq(buf); !ok {
		t.Fatalf("expected second Deq to succeed")
	}
	if n := q.ApproxLen(); n != 0 {
		t.Fatalf("expected ApproxLen 0 after draining, got %d", n)
	}
}

func TestEnqvConcatenatesParts(t *testing.T) {
	q := attach(t, 64*1024)
	if !q.Enqv([][]byte{[]byte("head"), []byte("-"), []byte("body")}) {
		t.Fatalf("Enqv failed")
	}
	buf := make([]byte, 64)
	n, ok := q.Deq(buf)
	if !ok || string(buf[:n]) != "head-body" {
		t.Fatalf("Deq = %q, %v", buf[:n], ok)
	}
	if !q.Enqv(nil) {
		t.Fatalf("Enqv with no parts should enqueue an empty message")
	}
	n, ok = q.Deq(buf)
	if !ok || n != 0 {
		t.Fatalf("expected empty payload, got n=%d ok=%v", n, ok)
	}
}

func TestFIFOThreeMessages(t *testing.T) {
	q := attach(t, 64*1024)
	for _, m := range []string{"a", "bb", "ccc"} {
		if !q.Enq([]byte(m)) {
			t.Fatalf("Enq(%q) failed", m)
		}
	}
	buf := make([]byte, 64)
	for _, want := range []string{"a", "bb", "ccc"} {
		n, ok := q.Deq(buf)
		if !ok || string(buf[:n]) != want {
			t.Fatalf("got %q, want %q", buf[:n], want)
		}
	}
	if _, ok := q.Deq(buf); ok {
		t.Fatalf("expected fourth Deq to return false")
	}
}

func TestOverflowThenDrain(t *testing.T) {
	q := attach(t, 4*1024)
	n := 0
	buf := []byte("x")
	for q.Enq(buf) {
		n++
	}
	if n == 0 {
		t.Fatalf("expected at least one successful enqueue before overflow")
	}
	if prev := q.ResetOverflowedCount(); prev < 1 {
		t.Fatalf("expected overflow count >= 1, got %d", prev)
	}
	if q.OverflowedCount() != 0 {
		t.Fatalf("expected overflow count reset to zero")
	}

	drained := 0
	out := make([]byte, 8)
	for {
		if _, ok := q.Deq(out); !ok {
			break
		}
		drained++
	}
	if drained != n {
		t.Fatalf("drained %d, expected %d", drained, n)
	}
}

func TestTwoPeersSameRegion(t *testing.T) {
	region := make([]byte, 64*1024)
	p1, err := Construct(region)
	if err != nil {
		t.Fatalf("Construct p1: %v", err)
	}
	if err := p1.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p2, err := Construct(region)
	if err != nil {
		t.Fatalf("Construct p2: %v", err)
	}
	if err := p2.InitOnce(); err != nil {
		t.Fatalf("InitOnce on already-initialized region should be a no-op: %v", err)
	}

	if !p1.Enq([]byte("X")) {
		t.Fatalf("p1.Enq failed")
	}
	buf := make([]byte, 8)
	n, ok := p2.Deq(buf)
	if !ok || string(buf[:n]) != "X" {
		t.Fatalf("p2.Deq = %q, %v", buf[:n], ok)
	}
	if !p2.Enq([]byte("Y")) {
		t.Fatalf("p2.Enq failed")
	}
	n, ok = p1.Deq(buf)
	if !ok || string(buf[:n]) != "Y" {
		t.Fatalf("p1.Deq = %q, %v", buf[:n], ok)
	}
}

func TestInitOnceReinitializesResizedRegion(t *testing.T) {
	region := make([]byte, 64*1024)
	q, err := Construct(region)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := q.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !q.Enq([]byte("stale")) {
		t.Fatalf("Enq failed")
	}

	// Reattach to a differently-sized region holding a copy of the same bytes
	// (simulating an attach against a stale magic stamped by a different
	// capacity): InitOnce must detect the region_size mismatch and
	// reinitialize rather than trust the stale head/tail.
	grown := make([]byte, 128*1024)
	copy(grown, region)
	q2, err := Construct(grown)
	if err != nil {
		t.Fatalf("Construct grown: %v", err)
	}
	if err := q2.InitOnce(); err != nil {
		t.Fatalf("InitOnce: %v", err)
	}
	if !q2.IsEmpty() {
		t.Fatalf("expected reinitialized region to start empty")
	}
}

func TestConcurrencyNoLoss(t *testing.T) {
	q := attach(t, 8*1024*1024)

	const producers = 4
	const consumers = 4
	const perProducer = 10000

	var produced uint64
	var mu sync.Mutex
	seen := make(map[uint64]bool, producers*perProducer)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			payload := make([]byte, 16)
			for i := 0; i < perProducer; i++ {
				id := uint64(p)<<32 | uint64(i)
				putLE64(payload, id)
				for !q.Enq(payload) {
				}
				atomic.AddUint64(&produced, 1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	var cg errgroup.Group
	for c := 0; c < consumers; c++ {
		cg.Go(func() error {
			buf := make([]byte, 32)
			for {
				select {
				case <-done:
					return nil
				default:
				}
				n, ok := q.Deq(buf)
				if !ok {
					continue
				}
				id := le64(buf[:n])
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("producers: %v", err)
	}
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if uint64(n) >= atomic.LoadUint64(&produced) {
			break
		}
	}
	close(done)
	cg.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d unique payloads, saw %d", producers*perProducer, len(seen))
	}
}

func TestAdversarialCoalescingThroughFacade(t *testing.T) {
	q := attach(t, 512*1024)
	sizes := []int{64, 128, 256, 512, 1024, 2048, 96, 160, 320, 48}

	var drained []string
	for round := 0; round < 3; round++ {
		var msgs []string
		for i := 0; i < 200; i++ {
			m := make([]byte, sizes[i%len(sizes)])
			for j := range m {
				m[j] = byte('a' + (i+j)%26)
			}
			if !q.Enq(m) {
				t.Fatalf("round %d enqueue %d failed", round, i)
			}
			msgs = append(msgs, string(m))
		}
		buf := make([]byte, 4096)
		for range msgs {
			n, ok := q.Deq(buf)
			if !ok {
				t.Fatalf("round %d: unexpected empty queue", round)
			}
			drained = append(drained, string(buf[:n]))
		}
	}
	if len(drained) != 600 {
		t.Fatalf("expected 600 drained messages, got %d", len(drained))
	}
	if _, err := q.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
