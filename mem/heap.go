package mem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nyx-project/nyxkernel/console"
	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/util"
)

const (
	heapAlign     = 8
	heapHeaderLen = 16 // size(8) + tag(8), kept 8-byte aligned so the payload that follows is too
	canaryLen     = 4
	canaryValue   = uint32(0xdeadc0de)
	minGrow       = 1 << 20 // 1 MiB, spec.md §3 "Kernel heap"
	minSplitSpare = heapHeaderLen + 2*heapAlign
)

// freeRun describes one free block, keyed by its start offset in the
// arena. Kept in two maps (by start, by end) so forward/backward
// coalescing on free is O(1), instead of walking a linked list as the
// teacher's C-flavored design would.
type freeRun struct {
	off, size int
}

// Heap is a first-fit, address-sorted, eagerly-coalescing free-list
// allocator over a byte arena that is grown on demand by pulling pages
// from a FrameAllocator. It is the hosted, memory-safe rendition of
// spec.md §4.2: blocks are addressed by index into the arena rather
// than by raw pointer, per the Design Notes in spec.md §9.
type Heap struct {
	mu     sync.Mutex
	frames *FrameAllocator
	arena  []byte

	byStart map[int]*freeRun
	byEnd   map[int]*freeRun

	nalloc     int
	canaryBad  int
}

// NewHeap creates an empty heap; the first kmalloc triggers the initial
// growth.
func NewHeap(frames *FrameAllocator) *Heap {
	return &Heap{
		frames:  frames,
		byStart: make(map[int]*freeRun),
		byEnd:   make(map[int]*freeRun),
	}
}

func (h *Heap) addFree(off, size int) {
	r := &freeRun{off: off, size: size}
	h.byStart[off] = r
	h.byEnd[off+size] = r
}

func (h *Heap) removeFree(r *freeRun) {
	delete(h.byStart, r.off)
	delete(h.byEnd, r.off+r.size)
}

// insertFreeCoalesced inserts a fresh free run and eagerly merges with
// any free neighbor immediately before or after it.
func (h *Heap) insertFreeCoalesced(off, size int) {
	if prev, ok := h.byEnd[off]; ok {
		h.removeFree(prev)
		off = prev.off
		size += prev.size
	}
	if next, ok := h.byStart[off+size]; ok {
		h.removeFree(next)
		size += next.size
	}
	h.addFree(off, size)
}

// grow appends at least need bytes (rounded up to minGrow and to a page)
// to the arena, backed by freshly allocated physical frames. Returns
// false if the frame allocator is exhausted, having rolled back any
// frames it already took.
func (h *Heap) grow(need int) bool {
	growLen := util.Roundup(util.Max(need, minGrow), defs.PageSize)
	npages := growLen / defs.PageSize

	got := make([]defs.PhysAddr, 0, npages) // physical frames taken, for rollback
	for i := 0; i < npages; i++ {
		p, ok := h.frames.AllocFrame()
		if !ok {
			for _, pf := range got {
				h.frames.FreeFrame(pf)
			}
			return false
		}
		got = append(got, p)
	}

	base := len(h.arena)
	h.arena = append(h.arena, make([]byte, growLen)...)
	h.insertFreeCoalesced(base, growLen)
	return true
}

func readU64(b []byte, off int) uint64 { return uint64(util.Readn(b, 8, off)) }
func writeU64(b []byte, off int, v uint64) { util.Writen(b, 8, off, v) }

func (h *Heap) blockSize(off int) int { return int(readU64(h.arena, off)) }

func (h *Heap) writeHeader(off, size int, tag string) {
	writeU64(h.arena, off, uint64(size))
	var t [8]byte
	copy(t[:], tag)
	copy(h.arena[off+8:off+16], t[:])
}

func (h *Heap) writeCanary(off, size int) {
	pos := off + size - canaryLen
	util.Writen(h.arena, 4, pos, uint64(canaryValue))
}

func (h *Heap) checkCanary(off, size int) bool {
	pos := off + size - canaryLen
	got := uint32(util.Readn(h.arena, 4, pos))
	return got == canaryValue
}

// Kmalloc returns the payload offset for a size-byte allocation tagged
// tag, or (0, false) on exhaustion. The returned offset indexes into the
// slice returned by Bytes(); treat it like the "*mut u8" the C source
// would hand back.
func (h *Heap) Kmalloc(size int, tag string) (int, bool) {
	if size <= 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	payload := util.Roundup(size, heapAlign)
	total := util.Roundup(heapHeaderLen+payload+canaryLen, heapAlign)

	off, size, ok := h.findFit(total)
	if !ok {
		if !h.grow(total) {
			return 0, false
		}
		off, size, ok = h.findFit(total)
		if !ok {
			return 0, false
		}
	}

	h.writeHeader(off, size, tag)
	h.writeCanary(off, size)
	h.nalloc++
	return off + heapHeaderLen, true
}

// findFit performs the first-fit walk over the address-sorted free
// list, splitting the winning block per spec.md §4.2's split policy. It
// returns the block's offset and the size actually handed over.
func (h *Heap) findFit(total int) (int, int, bool) {
	starts := make([]int, 0, len(h.byStart))
	for off := range h.byStart {
		starts = append(starts, off)
	}
	sort.Ints(starts)

	for _, off := range starts {
		r := h.byStart[off]
		if r.size < total {
			continue
		}
		h.removeFree(r)
		remainder := r.size - total
		if remainder >= minSplitSpare {
			h.addFree(off+total, remainder)
			return off, total, true
		}
		// remainder too small to host another block: hand over the
		// whole run.
		return off, r.size, true
	}
	return 0, 0, false
}

// Kfree releases the allocation at payload offset off (as returned by
// Kmalloc). A canary mismatch is logged at Warn level with the block's
// tag and reported through the returned bool; it is never fatal
// (spec.md §4.2, §7).
func (h *Heap) Kfree(off int) (canaryOK bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hdrOff := off - heapHeaderLen
	size := h.blockSize(hdrOff)
	canaryOK = h.checkCanary(hdrOff, size)
	if !canaryOK {
		h.canaryBad++
		console.Warn("heap: canary mismatch", "tag", h.Tag(off))
	}
	h.nalloc--
	h.insertFreeCoalesced(hdrOff, size)
	return canaryOK
}

// Tag returns the diagnostic tag recorded at allocation time, for
// logging canary mismatches (spec.md §4.2).
func (h *Heap) Tag(off int) string {
	hdrOff := off - heapHeaderLen
	var t [8]byte
	copy(t[:], h.arena[hdrOff+8:hdrOff+16])
	n := 0
	for n < len(t) && t[n] != 0 {
		n++
	}
	return string(t[:n])
}

// HasSpace reports whether size bytes could be satisfied without
// growing the arena.
func (h *Heap) HasSpace(size int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := util.Roundup(heapHeaderLen+util.Roundup(size, heapAlign)+canaryLen, heapAlign)
	for _, r := range h.byStart {
		if r.size >= total {
			return true
		}
	}
	return false
}

// Bytes exposes the backing arena; payload offsets returned by Kmalloc
// index directly into it.
func (h *Heap) Bytes() []byte { return h.arena }

// FreeRunCount and Len back the coalescing property test (spec.md §8
// invariant 2): after freeing everything, exactly one free run should
// span the whole arena.
func (h *Heap) FreeRunCount() int { h.mu.Lock(); defer h.mu.Unlock(); return len(h.byStart) }
func (h *Heap) Len() int          { h.mu.Lock(); defer h.mu.Unlock(); return len(h.arena) }

func (h *Heap) String() string {
	return fmt.Sprintf("heap{len=%d live=%d free_runs=%d canary_failures=%d}",
		len(h.arena), h.nalloc, len(h.byStart), h.canaryBad)
}
