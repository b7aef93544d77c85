package proc

import (
	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/paging"
)

// CreateKernelTask implements the kernel-mode half of task_create
// (spec.md §4.6): no address space or user stack, just a TCB ready to
// be enqueued with Ready.
func CreateKernelTask(s *Scheduler, name string, body Body) *TCB {
	return s.Create(name, true, body)
}

// CreateUserTask implements the user-mode half of task_create: it
// allocates a fresh PML4 and four 4KiB user stack pages mapped at the
// fixed VA window, with the stack top rounded down to 16 bytes to
// satisfy the hosted C library's entry convention (spec.md §4.6).
func CreateUserTask(s *Scheduler, m *paging.Mapper, name string, body Body) (*TCB, error) {
	tcb := s.Create(name, false, body)

	pml4, err := m.CreateUserPML4()
	if err != nil {
		return nil, err
	}
	tcb.PML4Phys = pml4

	for i := 0; i < defs.UserStackPages; i++ {
		frame, ok := m.Frames.AllocFrame()
		if !ok {
			return nil, paging.ErrNoMemory
		}
		m.RAM.Zero(frame)
		va := defs.UserStackBase + defs.VirtAddr(i*defs.PageSize)
		if err := m.MapPage64(pml4, frame, va, defs.PTE_P|defs.PTE_W|defs.PTE_U); err != nil {
			return nil, err
		}
	}

	top := uint64(defs.UserStackTop) &^ 0xF
	tcb.UStackTop = defs.VirtAddr(top)
	tcb.Regs.GPR[RSP] = top
	tcb.Regs.CR3 = uint64(pml4)

	tcb.UserBrkBase = defs.UserHeapBase
	tcb.UserBrkSize = 0
	return tcb, nil
}
