package atomickit

import (
	"sync"
	"testing"
)

func TestCAS32(t *testing.T) {
	var v uint32 = 5
	if !CAS32(&v, 5, 6) {
		t.Fatalf("expected CAS to succeed")
	}
	if CAS32(&v, 5, 7) {
		t.Fatalf("expected stale CAS to fail")
	}
	if Load32(&v) != 6 {
		t.Fatalf("got %d, want 6", v)
	}
}

func TestFetchAndClear32(t *testing.T) {
	var v uint32 = 42
	prev := FetchAndClear32(&v)
	if prev != 42 {
		t.Fatalf("got %d, want 42", prev)
	}
	if Load32(&v) != 0 {
		t.Fatalf("expected cleared value, got %d", v)
	}
}

func TestFetchAddSub32(t *testing.T) {
	var v uint32
	FetchAdd32(&v, 10)
	FetchSub32(&v, 3)
	if Load32(&v) != 7 {
		t.Fatalf("got %d, want 7", v)
	}
}

func TestSnapshot32StaleAfterConcurrentWrite(t *testing.T) {
	var v uint32 = 1
	snap := TakeSnapshot32(&v)
	if snap.Stale() {
		t.Fatalf("snapshot should not be stale immediately")
	}
	CAS32(&v, 1, 2)
	if !snap.Stale() {
		t.Fatalf("snapshot should be stale after concurrent write")
	}
	if snap.CASTo(3) {
		t.Fatalf("CASTo should fail against a stale snapshot")
	}
}

func TestSnapshot64ConcurrentIncrements(t *testing.T) {
	var v uint64
	var wg sync.WaitGroup
	const goroutines = 8
	const perGoroutine = 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				for {
					snap := TakeSnapshot64(&v)
					if snap.CASTo(snap.Value() + 1) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	if got, want := Load64(&v), uint64(goroutines*perGoroutine); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
