package defs

// PhysAddr and VirtAddr are newtypes around raw addresses: the hardware
// holds the only "reference" to these locations, so nothing in this
// module owns them the way Go owns a pointer (spec.md §9, "Design
// Notes").
type PhysAddr uint64
type VirtAddr uint64

const PageSize = 4096
const LargePageSize = 2 * 1024 * 1024 // 2 MiB
const HugePageSize = 1024 * 1024 * 1024

const PageShift = 12
const EntryBits = 9
const EntryCount = 512
const EntryMask = EntryCount - 1

// Page table entry flag bits, x86-64 layout.
const (
	PTE_P  uint64 = 1 << 0 // present
	PTE_W  uint64 = 1 << 1 // read/write
	PTE_U  uint64 = 1 << 2 // user
	PTE_PS uint64 = 1 << 7 // page size (2MiB/1GiB at PD/PDPT level)
	PTE_NX uint64 = 1 << 63

	PTE_ADDR uint64 = 0x000ffffffffff000
	PTE_FLAGS_MASK uint64 = 0xfff
)

// InvalidPhysAddr / InvalidVirtAddr are the error sentinels returned by
// vmem's translation helpers (spec.md §4.3).
const InvalidPhysAddr = PhysAddr(^uint64(0))
const InvalidVirtAddr = VirtAddr(^uint64(0))

func (p PhysAddr) Aligned() bool { return uint64(p)%PageSize == 0 }
func (v VirtAddr) Aligned() bool { return uint64(v)%PageSize == 0 }

func (p PhysAddr) PageRounddown() PhysAddr {
	return PhysAddr(uint64(p) &^ (PageSize - 1))
}

func (v VirtAddr) PageRounddown() VirtAddr {
	return VirtAddr(uint64(v) &^ (PageSize - 1))
}

func (v VirtAddr) PageRoundup() VirtAddr {
	return VirtAddr((uint64(v) + PageSize - 1) &^ (PageSize - 1))
}

// Indices returns the four 9-bit page-table indices (PML4, PDPT, PD, PT)
// encoded in v, in that order.
func (v VirtAddr) Indices() (l4, l3, l2, l1 uint) {
	n := uint64(v)
	l4 = uint(n>>(PageShift+EntryBits*3)) & EntryMask
	l3 = uint(n>>(PageShift+EntryBits*2)) & EntryMask
	l2 = uint(n>>(PageShift+EntryBits*1)) & EntryMask
	l1 = uint(n>>(PageShift+EntryBits*0)) & EntryMask
	return
}

const (
	// Per-task fixed user stack window (spec.md §4.6): 4 pages, top
	// rounded to 16 bytes for the calling C library's entry.
	UserStackTop   = VirtAddr(0x7FFFF000)
	UserStackBase  = VirtAddr(0x7FFFB000)
	UserStackPages = 4

	// sbrk grows the user heap from here (spec.md §4.7).
	UserHeapBase = VirtAddr(0x40000000)

	// get_reent's single fixed-size page lives 512 MiB above the heap
	// base; sbrk has no upper bound of its own, so the heap reaches it
	// only after growing by that much (spec.md §4.7).
	UserReentBase = VirtAddr(0x60000000)

	// Low 4 GiB identity map built with 2 MiB large pages at boot
	// (spec.md §4.4).
	IdentityMapLimit = PhysAddr(4 * 1024 * 1024 * 1024)

	// PML4 index range cloned from the kernel PML4 into every user
	// address space (spec.md §3, "Address space").
	KernelPML4Low  = 256
	KernelPML4High = 512
)
