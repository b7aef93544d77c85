package mem

import (
	"testing"

	"github.com/nyx-project/nyxkernel/defs"
)

func newFA(t *testing.T, nframes int) *FrameAllocator {
	t.Helper()
	return NewFrameAllocator(0, defs.PhysAddr(nframes*defs.PageSize))
}

func TestAllocFrameLowestFirst(t *testing.T) {
	fa := newFA(t, 4)
	p0, ok := fa.AllocFrame()
	if !ok || p0 != 0 {
		t.Fatalf("first AllocFrame = %#x,%v want 0,true", p0, ok)
	}
	p1, ok := fa.AllocFrame()
	if !ok || p1 != defs.PhysAddr(defs.PageSize) {
		t.Fatalf("second AllocFrame = %#x,%v want %#x,true", p1, ok, defs.PageSize)
	}
}

func TestFreeFrameAllowsReuse(t *testing.T) {
	fa := newFA(t, 1)
	p, ok := fa.AllocFrame()
	if !ok {
		t.Fatalf("AllocFrame failed with one frame available")
	}
	if _, ok := fa.AllocFrame(); ok {
		t.Fatalf("AllocFrame succeeded with no frames left")
	}
	fa.FreeFrame(p)
	if _, ok := fa.AllocFrame(); !ok {
		t.Fatalf("AllocFrame failed after FreeFrame")
	}
}

func TestFreeFrameIdempotent(t *testing.T) {
	fa := newFA(t, 2)
	p, _ := fa.AllocFrame()
	fa.FreeFrame(p)
	fa.FreeFrame(p) // must not double-decrement used
	if stats := fa.Frames(); stats.Used != 0 {
		t.Fatalf("Used = %d after double free, want 0", stats.Used)
	}
}

func TestStatsTrackUsage(t *testing.T) {
	fa := newFA(t, 8)
	for i := 0; i < 3; i++ {
		if _, ok := fa.AllocFrame(); !ok {
			t.Fatalf("AllocFrame #%d failed", i)
		}
	}
	stats := fa.Frames()
	if stats.Total != 8 || stats.Used != 3 || stats.Free != 5 {
		t.Fatalf("Frames() = %+v, want {8 3 5}", stats)
	}
}

func TestReserveMarksRangeUsed(t *testing.T) {
	fa := newFA(t, 4)
	fa.Reserve(0, defs.PhysAddr(2*defs.PageSize))
	if stats := fa.Frames(); stats.Used != 2 {
		t.Fatalf("Used after Reserve = %d, want 2", stats.Used)
	}
	// The reserved frames must not be handed out.
	p, ok := fa.AllocFrame()
	if !ok || p < defs.PhysAddr(2*defs.PageSize) {
		t.Fatalf("AllocFrame after Reserve = %#x,%v, want >= %#x", p, ok, 2*defs.PageSize)
	}
}

func TestAllocFrameExhaustion(t *testing.T) {
	fa := newFA(t, 2)
	fa.AllocFrame()
	fa.AllocFrame()
	if _, ok := fa.AllocFrame(); ok {
		t.Fatalf("AllocFrame succeeded past exhaustion")
	}
}
