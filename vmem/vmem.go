// Package vmem provides the phys<->virt translation helpers described in
// spec.md §4.3, grounded on the teacher's common/pmap.go direct-map
// (dmap) logic. Three modes are supported: identity, fixed offset, and a
// page walk of an arbitrary PML4, needed once a non-identity-mapped
// user CR3 is active.
package vmem

import (
	"math"

	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/mem"
)

type Mode int

const (
	ModeIdentity Mode = iota
	ModeOffset
	ModeWalk
)

// Translator resolves between physical and virtual addresses under one
// of the three modes above.
type Translator struct {
	Mode   Mode
	Offset int64 // virt = phys + Offset, only meaningful in ModeOffset
	RAM    *mem.RAM
}

func NewIdentity() *Translator { return &Translator{Mode: ModeIdentity} }

func NewOffset(ram *mem.RAM, offset int64) *Translator {
	return &Translator{Mode: ModeOffset, Offset: offset, RAM: ram}
}

func NewWalker(ram *mem.RAM) *Translator {
	return &Translator{Mode: ModeWalk, RAM: ram}
}

const Invalid32 = uint32(math.MaxUint32)
const Invalid64 = uint64(math.MaxUint64)

// PhysToVirt64/VirtToPhys64 are the 64-bit variants of spec.md §4.3.
// cr3 is only consulted in ModeWalk.
func (t *Translator) PhysToVirt64(p defs.PhysAddr) uint64 {
	switch t.Mode {
	case ModeIdentity:
		return uint64(p)
	case ModeOffset:
		return uint64(int64(p) + t.Offset)
	default:
		// a physical->virtual walk requires knowing which virtual
		// address maps to p, which the forward page tables don't give
		// us cheaply; callers needing this under ModeWalk should use
		// the identity-mapped low 4GiB window instead.
		return Invalid64
	}
}

func (t *Translator) VirtToPhys64(v uint64, cr3 defs.PhysAddr) uint64 {
	switch t.Mode {
	case ModeIdentity:
		return v
	case ModeOffset:
		return uint64(int64(v) - t.Offset)
	case ModeWalk:
		p, _, ok := Walk(t.RAM, cr3, defs.VirtAddr(v))
		if !ok {
			return Invalid64
		}
		return uint64(p)
	}
	return Invalid64
}

func (t *Translator) PhysToVirt32(p defs.PhysAddr) uint32 {
	v := t.PhysToVirt64(p)
	if v > uint64(math.MaxUint32) {
		return Invalid32
	}
	return uint32(v)
}

func (t *Translator) VirtToPhys32(v uint32, cr3 defs.PhysAddr) uint32 {
	p := t.VirtToPhys64(uint64(v), cr3)
	if p > uint64(math.MaxUint32) {
		return Invalid32
	}
	return uint32(p)
}

// WalkResult describes a resolved mapping: its physical address, flags,
// and whether it is a 2MiB or 1GiB page. Walk itself returns the address
// and flags as separate values (PTE_PS in the flags marks a large page).
type WalkResult struct {
	Phys  defs.PhysAddr
	Flags uint64
	Large bool // 2MiB (PD) or 1GiB (PDPT) page
}

// Walk resolves v against the page tables rooted at cr3, honoring 1GiB
// and 2MiB large-page bits at the PDPT and PD levels (spec.md §4.3).
// It never mutates the tables; paging.MapPage64 has the allocating,
// mutating counterpart.
func Walk(ram *mem.RAM, cr3 defs.PhysAddr, v defs.VirtAddr) (defs.PhysAddr, uint64, bool) {
	l4, l3, l2, l1 := v.Indices()

	pml4e := ram.ReadU64(cr3 + defs.PhysAddr(l4*8))
	if pml4e&defs.PTE_P == 0 {
		return 0, 0, false
	}
	pdptPhys := defs.PhysAddr(pml4e & defs.PTE_ADDR)

	pdpte := ram.ReadU64(pdptPhys + defs.PhysAddr(l3*8))
	if pdpte&defs.PTE_P == 0 {
		return 0, 0, false
	}
	if pdpte&defs.PTE_PS != 0 {
		base := defs.PhysAddr(pdpte & defs.PTE_ADDR)
		off := uint64(v) % defs.HugePageSize
		return base + defs.PhysAddr(off), pdpte & defs.PTE_FLAGS_MASK, true
	}
	pdPhys := defs.PhysAddr(pdpte & defs.PTE_ADDR)

	pde := ram.ReadU64(pdPhys + defs.PhysAddr(l2*8))
	if pde&defs.PTE_P == 0 {
		return 0, 0, false
	}
	if pde&defs.PTE_PS != 0 {
		base := defs.PhysAddr(pde & defs.PTE_ADDR)
		off := uint64(v) % defs.LargePageSize
		return base + defs.PhysAddr(off), pde & defs.PTE_FLAGS_MASK, true
	}
	ptPhys := defs.PhysAddr(pde & defs.PTE_ADDR)

	pte := ram.ReadU64(ptPhys + defs.PhysAddr(l1*8))
	if pte&defs.PTE_P == 0 {
		return 0, 0, false
	}
	base := defs.PhysAddr(pte & defs.PTE_ADDR)
	off := uint64(v) % defs.PageSize
	return base + defs.PhysAddr(off), pte & defs.PTE_FLAGS_MASK, true
}
