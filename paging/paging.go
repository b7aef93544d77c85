// Package paging implements the four-level x86-64 mapper described in
// spec.md §4.4, grounded on the teacher's vm/pmap.go walk-and-install
// logic and common/vm.go's kernel/user PML4 split.
package paging

import (
	"errors"

	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/mem"
)

// ErrNoMemory is returned when an intermediate table frame can't be
// allocated; spec.md §7 calls this MappingFailure and has callers (the
// ELF loader) abort the task cleanly.
var ErrNoMemory = errors.New("paging: out of frames for page table")

// Invalidator receives the virtual pages paging believes should have
// their TLB entries dropped. The real kernel issues invlpg directly;
// this hosted core is single-threaded and has no TLB, so the default
// Invalidator is a no-op; a caller can install its own to observe which
// pages would be invalidated.
type Invalidator interface {
	InvalidatePage(v defs.VirtAddr)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidatePage(defs.VirtAddr) {}

// Mapper owns the frame allocator and backing RAM shared by every
// address space it manipulates, plus the kernel's own PML4 (cloned at
// boot and extended with the low-4GiB identity map, spec.md §4.4).
type Mapper struct {
	Frames       *mem.FrameAllocator
	RAM          *mem.RAM
	KernelPML4   defs.PhysAddr
	Invalidate   Invalidator
}

func NewMapper(frames *mem.FrameAllocator, ram *mem.RAM) *Mapper {
	return &Mapper{Frames: frames, RAM: ram, Invalidate: noopInvalidator{}}
}

const intermediateFlags = defs.PTE_P | defs.PTE_W | defs.PTE_U

// allocTable allocates and zeroes one 4KiB page-table frame.
func (m *Mapper) allocTable() (defs.PhysAddr, error) {
	p, ok := m.Frames.AllocFrame()
	if !ok {
		return 0, ErrNoMemory
	}
	m.RAM.Zero(p)
	return p, nil
}

// walkCreate descends from pml4Phys to the PT entry for v, allocating
// PDPT/PD/PT frames on demand. It splits a 2MiB PD large page into 512
// 4KiB PTEs if v falls inside one (spec.md §4.4, §9 "Large-page
// split").
func (m *Mapper) walkCreate(pml4Phys defs.PhysAddr, v defs.VirtAddr) (ptPhys defs.PhysAddr, idx1 uint, err error) {
	l4, l3, l2, l1 := v.Indices()

	step := func(tablePhys defs.PhysAddr, idx uint) (defs.PhysAddr, error) {
		entryAddr := tablePhys + defs.PhysAddr(idx*8)
		e := m.RAM.ReadU64(entryAddr)
		if e&defs.PTE_P == 0 {
			newTable, err := m.allocTable()
			if err != nil {
				return 0, err
			}
			m.RAM.WriteU64(entryAddr, uint64(newTable)|intermediateFlags)
			return newTable, nil
		}
		return defs.PhysAddr(e & defs.PTE_ADDR), nil
	}

	pdptPhys, err := step(pml4Phys, l4)
	if err != nil {
		return 0, 0, err
	}
	pdPhys, err := step(pdptPhys, l3)
	if err != nil {
		return 0, 0, err
	}

	pdEntryAddr := pdPhys + defs.PhysAddr(l2*8)
	pde := m.RAM.ReadU64(pdEntryAddr)
	if pde&defs.PTE_P != 0 && pde&defs.PTE_PS != 0 {
		if err := m.splitLargePage(pdEntryAddr, pde, v); err != nil {
			return 0, 0, err
		}
		pde = m.RAM.ReadU64(pdEntryAddr)
	}

	ptPhys, err = step(pdPhys, l2)
	if err != nil {
		return 0, 0, err
	}
	return ptPhys, l1, nil
}

// splitLargePage replaces the 2MiB PD entry at pdEntryAddr (currently
// pde, a PS=1 large page) with a freshly allocated PT whose 512 entries
// replicate the original base+offset and flags with PS cleared, then
// invalidates the whole 2MiB range (spec.md §4.4, §9).
func (m *Mapper) splitLargePage(pdEntryAddr defs.PhysAddr, pde uint64, v defs.VirtAddr) error {
	base := defs.PhysAddr(pde & defs.PTE_ADDR)
	flags := (pde &^ defs.PTE_PS) & defs.PTE_FLAGS_MASK

	ptPhys, err := m.allocTable()
	if err != nil {
		return err
	}
	for i := 0; i < defs.EntryCount; i++ {
		entry := uint64(base+defs.PhysAddr(i*defs.PageSize)) | flags
		m.RAM.WriteU64(ptPhys+defs.PhysAddr(i*8), entry)
	}
	m.RAM.WriteU64(pdEntryAddr, uint64(ptPhys)|(pde&^defs.PTE_PS&defs.PTE_FLAGS_MASK)|defs.PTE_P)

	rangeBase := v.PageRounddown()
	rangeBase = defs.VirtAddr(uint64(rangeBase) &^ (defs.LargePageSize - 1))
	for off := uint64(0); off < defs.LargePageSize; off += defs.PageSize {
		m.Invalidate.InvalidatePage(rangeBase + defs.VirtAddr(off))
	}
	return nil
}

// MapPage64 maps virt -> phys in the address space rooted at pml4Phys
// with the given flags (spec.md §4.4). Final PTE flags are flags&0xFFF
// with NX cleared, matching the spec exactly.
func (m *Mapper) MapPage64(pml4Phys defs.PhysAddr, phys defs.PhysAddr, virt defs.VirtAddr, flags uint64) error {
	ptPhys, idx1, err := m.walkCreate(pml4Phys, virt)
	if err != nil {
		return err
	}
	pte := (uint64(phys) &^ defs.PTE_FLAGS_MASK) | (flags & defs.PTE_FLAGS_MASK)
	pte &^= defs.PTE_NX
	m.RAM.WriteU64(ptPhys+defs.PhysAddr(idx1*8), pte)
	m.Invalidate.InvalidatePage(virt)
	return nil
}

// UnmapPage64 clears the PTE for virt, if any, and invalidates it.
func (m *Mapper) UnmapPage64(pml4Phys defs.PhysAddr, virt defs.VirtAddr) {
	l4, l3, l2, l1 := virt.Indices()
	pml4e := m.RAM.ReadU64(pml4Phys + defs.PhysAddr(l4*8))
	if pml4e&defs.PTE_P == 0 {
		return
	}
	pdptPhys := defs.PhysAddr(pml4e & defs.PTE_ADDR)
	pdpte := m.RAM.ReadU64(pdptPhys + defs.PhysAddr(l3*8))
	if pdpte&defs.PTE_P == 0 || pdpte&defs.PTE_PS != 0 {
		return
	}
	pdPhys := defs.PhysAddr(pdpte & defs.PTE_ADDR)
	pde := m.RAM.ReadU64(pdPhys + defs.PhysAddr(l2*8))
	if pde&defs.PTE_P == 0 || pde&defs.PTE_PS != 0 {
		return
	}
	ptPhys := defs.PhysAddr(pde & defs.PTE_ADDR)
	m.RAM.WriteU64(ptPhys+defs.PhysAddr(l1*8), 0)
	m.Invalidate.InvalidatePage(virt)
}

// CreateUserPML4 allocates a zeroed PML4, copies the kernel's high-half
// entries [256..512), clones entry 0 from the kernel PML4 so the
// identity-mapped low 4GiB stays reachable across the CR3 load that
// happens before iretq, and leaves [1..256) zero (spec.md §4.4; the
// zeroing of [1..256) resolves the Open Question in spec.md §9 the way
// the distilled source does).
func (m *Mapper) CreateUserPML4() (defs.PhysAddr, error) {
	p, err := m.allocTable()
	if err != nil {
		return 0, err
	}
	for i := defs.KernelPML4Low; i < defs.KernelPML4High; i++ {
		e := m.RAM.ReadU64(m.KernelPML4 + defs.PhysAddr(i*8))
		m.RAM.WriteU64(p+defs.PhysAddr(i*8), e)
	}
	e0 := m.RAM.ReadU64(m.KernelPML4)
	m.RAM.WriteU64(p, e0)
	return p, nil
}

// BuildKernelPML4 installs a 4GiB identity map of 2MiB large pages at
// PML4 index 0 of a fresh kernel PML4 (spec.md §4.4). It is called once
// at boot after the UEFI-supplied PML4 has been cloned into pml4Phys.
func (m *Mapper) BuildKernelPML4(pml4Phys defs.PhysAddr) error {
	pdptPhys, err := m.allocTable()
	if err != nil {
		return err
	}
	m.RAM.WriteU64(pml4Phys, uint64(pdptPhys)|intermediateFlags)

	nPD := int(defs.IdentityMapLimit / defs.HugePageSize) // number of 1GiB regions
	for i := 0; i < nPD; i++ {
		pdPhys, err := m.allocTable()
		if err != nil {
			return err
		}
		m.RAM.WriteU64(pdptPhys+defs.PhysAddr(i*8), uint64(pdPhys)|intermediateFlags)
		for j := 0; j < defs.EntryCount; j++ {
			phys := defs.PhysAddr(i)*defs.HugePageSize + defs.PhysAddr(j)*defs.LargePageSize
			entry := uint64(phys) | defs.PTE_P | defs.PTE_W | defs.PTE_PS
			m.RAM.WriteU64(pdPhys+defs.PhysAddr(j*8), entry)
		}
	}
	return nil
}
