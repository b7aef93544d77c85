package mem

import (
	"testing"

	"github.com/nyx-project/nyxkernel/defs"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	fa := NewFrameAllocator(0, defs.PhysAddr(1024*defs.PageSize))
	return NewHeap(fa)
}

func TestKmallocKfreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	off, ok := h.Kmalloc(128, "test")
	if !ok {
		t.Fatalf("Kmalloc failed")
	}
	copy(h.Bytes()[off:off+128], []byte("payload"))
	if !h.Kfree(off) {
		t.Fatalf("Kfree reported a canary mismatch on an untouched block")
	}
}

func TestCanaryDetectsOverrun(t *testing.T) {
	h := newTestHeap(t)
	off, ok := h.Kmalloc(16, "ovr")
	if !ok {
		t.Fatalf("Kmalloc failed")
	}
	// Smash a few bytes right after the requested payload; the rounded-up
	// block's trailing canary sits somewhere in that padding.
	for i := off + 16; i < off+16+canaryLen+heapAlign; i++ {
		h.Bytes()[i] = 0xFF
	}
	if h.Kfree(off) {
		t.Fatalf("Kfree reported a clean canary after corrupting the block's tail")
	}
}

func TestCoalescingLeavesOneFreeRun(t *testing.T) {
	h := newTestHeap(t)
	var offs []int
	for i := 0; i < 8; i++ {
		off, ok := h.Kmalloc(64, "c")
		if !ok {
			t.Fatalf("Kmalloc #%d failed", i)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		h.Kfree(off)
	}
	if n := h.FreeRunCount(); n != 1 {
		t.Fatalf("FreeRunCount after freeing everything = %d, want 1", n)
	}
}

func TestGrowOnExhaustion(t *testing.T) {
	h := newTestHeap(t)
	off, ok := h.Kmalloc(64, "grow")
	if !ok {
		t.Fatalf("Kmalloc on empty heap should grow the arena and succeed")
	}
	if h.Len() == 0 {
		t.Fatalf("heap arena did not grow")
	}
	h.Kfree(off)
}

func TestTagRoundTrips(t *testing.T) {
	h := newTestHeap(t)
	off, ok := h.Kmalloc(32, "mytag")
	if !ok {
		t.Fatalf("Kmalloc failed")
	}
	if got := h.Tag(off); got != "mytag" {
		t.Fatalf("Tag() = %q, want %q", got, "mytag")
	}
}
