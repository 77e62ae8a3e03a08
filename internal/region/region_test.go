package region

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAnonymousRegionReadWrite(t *testing.T) {
	p, err := NewAnonymous(4096)
	if err != nil {
		t.Fatalf("NewAnonymous: %v", err)
	}
	defer p.Close()

	b := p.Bytes()
	if len(b) != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", len(b))
	}
	b[0] = 0x42
	if p.Bytes()[0] != 0x42 {
		t.Fatalf("write did not persist in mapping")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestNamedRegionSharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")

	p1, err := NewNamed(path, 8192, 0o600)
	if err != nil {
		t.Fatalf("NewNamed p1: %v", err)
	}
	defer p1.Close()

	p1.Bytes()[10] = 0x99

	p2, err := NewNamed(path, 8192, 0o600)
	if err != nil {
		t.Fatalf("NewNamed p2: %v", err)
	}
	defer p2.Close()

	if p2.Bytes()[10] != 0x99 {
		t.Fatalf("expected second mapping to observe first mapping's write")
	}
}

func TestNamedRegionGrowsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")

	p1, err := NewNamed(path, 4096, 0o600)
	if err != nil {
		t.Fatalf("NewNamed initial: %v", err)
	}
	p1.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 4096 {
		t.Fatalf("expected file truncated to 4096, got %d", info.Size())
	}

	p2, err := NewNamed(path, 8192, 0o600)
	if err != nil {
		t.Fatalf("NewNamed grow: %v", err)
	}
	defer p2.Close()
	if len(p2.Bytes()) != 8192 {
		t.Fatalf("expected grown mapping of 8192 bytes, got %d", len(p2.Bytes()))
	}
}

func TestWatcherReportsReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Op != OpReplaced {
			t.Fatalf("expected OpReplaced, got %v", ev.Op)
		}
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for replace event")
	}
}
