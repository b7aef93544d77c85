package proc

import (
	"testing"

	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/mem"
	"github.com/nyx-project/nyxkernel/paging"
)

func newTestMapper(t *testing.T) *paging.Mapper {
	t.Helper()
	frames := mem.NewFrameAllocator(0, defs.PhysAddr(32*1024*1024))
	ram := mem.NewRAM()
	m := paging.NewMapper(frames, ram)
	kernelPML4, _ := frames.AllocFrame()
	ram.Zero(kernelPML4)
	m.KernelPML4 = kernelPML4
	if err := m.BuildKernelPML4(kernelPML4); err != nil {
		t.Fatalf("BuildKernelPML4: %v", err)
	}
	return m
}

func TestCreateKernelTaskHasNoAddressSpace(t *testing.T) {
	s := NewScheduler()
	tcb := CreateKernelTask(s, "k", func(api *API) { api.Exit(0) })
	if tcb.PML4Phys != 0 {
		t.Fatalf("kernel task PML4Phys = %#x, want 0", tcb.PML4Phys)
	}
	if !tcb.KernelMode {
		t.Fatalf("CreateKernelTask did not mark the TCB kernel-mode")
	}
}

func TestCreateUserTaskMapsStackAndHeap(t *testing.T) {
	s := NewScheduler()
	m := newTestMapper(t)
	tcb, err := CreateUserTask(s, m, "init", func(api *API) { api.Exit(0) })
	if err != nil {
		t.Fatalf("CreateUserTask: %v", err)
	}
	if tcb.PML4Phys == 0 {
		t.Fatalf("user task has no PML4")
	}
	if tcb.Regs.GPR[RSP]&0xF != 0 {
		t.Fatalf("initial RSP %#x is not 16-byte aligned", tcb.Regs.GPR[RSP])
	}
	if tcb.Regs.GPR[RSP] != uint64(tcb.UStackTop) {
		t.Fatalf("RSP = %#x, want UStackTop %#x", tcb.Regs.GPR[RSP], tcb.UStackTop)
	}
	if tcb.Regs.CR3 != uint64(tcb.PML4Phys) {
		t.Fatalf("CR3 = %#x, want PML4Phys %#x", tcb.Regs.CR3, tcb.PML4Phys)
	}
	if tcb.UserBrkBase != defs.UserHeapBase || tcb.UserBrkSize != 0 {
		t.Fatalf("UserBrkBase/Size = %#x/%d, want %#x/0", tcb.UserBrkBase, tcb.UserBrkSize, defs.UserHeapBase)
	}

	// Every user stack page must actually be present and writable.
	for i := 0; i < defs.UserStackPages; i++ {
		va := defs.UserStackBase + defs.VirtAddr(i*defs.PageSize)
		l4, l3, l2, l1 := va.Indices()
		pml4e := m.RAM.ReadU64(tcb.PML4Phys + defs.PhysAddr(l4*8))
		if pml4e&defs.PTE_P == 0 {
			t.Fatalf("stack page %d: PML4 entry not present", i)
		}
		pdpt := defs.PhysAddr(pml4e & defs.PTE_ADDR)
		pdpte := m.RAM.ReadU64(pdpt + defs.PhysAddr(l3*8))
		pd := defs.PhysAddr(pdpte & defs.PTE_ADDR)
		pde := m.RAM.ReadU64(pd + defs.PhysAddr(l2*8))
		pt := defs.PhysAddr(pde & defs.PTE_ADDR)
		pte := m.RAM.ReadU64(pt + defs.PhysAddr(l1*8))
		if pte&defs.PTE_P == 0 || pte&defs.PTE_W == 0 || pte&defs.PTE_U == 0 {
			t.Fatalf("stack page %d: PTE flags = %#x, want P|W|U set", i, pte&0xFFF)
		}
	}
}

func TestCreateUserTaskClonesKernelHighHalf(t *testing.T) {
	s := NewScheduler()
	m := newTestMapper(t)
	tcb, err := CreateUserTask(s, m, "init", func(api *API) { api.Exit(0) })
	if err != nil {
		t.Fatalf("CreateUserTask: %v", err)
	}
	kEntry := m.RAM.ReadU64(m.KernelPML4 + defs.PhysAddr(256*8))
	uEntry := m.RAM.ReadU64(tcb.PML4Phys + defs.PhysAddr(256*8))
	if kEntry != uEntry {
		t.Fatalf("user PML4 entry 256 = %#x, want kernel's %#x", uEntry, kEntry)
	}
}
