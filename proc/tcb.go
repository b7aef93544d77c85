// Package proc implements the task control block, ready queue, and
// round-robin scheduler of spec.md §4.6, grounded on the teacher's
// proc/proc.go and common/proc.go. Because this is a hosted, memory-safe
// rendition rather than a real ring-0/ring-3 kernel, "running a task"
// means resuming a goroutine that cooperates at well-defined checkpoints
// (CheckPoint, Yield, Block, Exit) instead of an actual
// iretq/CR3 switch — see DESIGN.md for why that substitution is made and
// why it still faithfully tests FIFO ordering, preemption, and exit.
package proc

import (
	"sync"

	"github.com/nyx-project/nyxkernel/defs"
)

type State int

const (
	Ready State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "?"
	}
}

// Regs mirrors the canonical on-stack trap frame register layout
// (spec.md §4.5, §9 "Trap context save layout"): 16 GPRs, RIP, RFLAGS,
// and CR3, saved/restored as a unit on every context switch.
type Regs struct {
	GPR    [16]uint64 // RAX, RBX, RCX, RDX, RSI, RDI, RBP, R8-R15, RSP, in stub push order
	RIP    uint64
	RFLAGS uint64
	CR3    uint64
}

const (
	RAX = 0
	RBX = 1
	RCX = 2
	RDX = 3
	RSI = 4
	RDI = 5
	RBP = 6
	R8  = 7
	R9  = 8
	R10 = 9
	R11 = 10
	R12 = 11
	R13 = 12
	R14 = 13
	R15 = 14
	RSP = 15
)

// Tid identifies a task; 0 is always the idle task.
type Tid int

const IdleTid Tid = 0

// TCB is the per-task kernel-side state (spec.md §3).
type TCB struct {
	Tid        Tid
	Name       string // stored as up to 32 bytes in the real source
	State      State
	KernelMode bool

	Regs Regs

	KStackTop defs.VirtAddr
	UStackTop defs.VirtAddr
	PML4Phys  defs.PhysAddr

	UserBrkBase defs.VirtAddr
	UserBrkSize uint64

	// ReentVA is the virtual address of this task's C-library
	// reentrancy page, lazily allocated by get_reent and cached here so
	// repeated calls hand back the same page instead of leaking a fresh
	// frame each time.
	ReentVA defs.VirtAddr

	Ticks    int // time accounting
	ExitCode int

	// Fds maps a local fd (0..31) to an index into the VFS's global
	// handle table, or -1 if unused. fds 0/1/2 are implicit and never
	// consult this table (spec.md §3, §4.7).
	Fds [defs.FdTableSize]int

	mu sync.Mutex
}

func newTCB(tid Tid, name string, kernelMode bool) *TCB {
	t := &TCB{Tid: tid, Name: name, KernelMode: kernelMode, State: Ready}
	for i := range t.Fds {
		t.Fds[i] = -1
	}
	return t
}

// AllocFd returns the first unused local fd (first-free allocation,
// spec.md §4.7), binding it to handle.
func (t *TCB) AllocFd(handle int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := defs.FdFirstFree; i < len(t.Fds); i++ {
		if t.Fds[i] == -1 {
			t.Fds[i] = handle
			return i, true
		}
	}
	return -1, false
}

func (t *TCB) Handle(fd int) (int, bool) {
	if fd < 0 || fd >= len(t.Fds) {
		return -1, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.Fds[fd]
	return h, h != -1
}

// FreeFd releases a local fd slot, returning the handle it referenced.
func (t *TCB) FreeFd(fd int) (int, bool) {
	if fd < 0 || fd >= len(t.Fds) {
		return -1, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.Fds[fd]
	if h == -1 {
		return -1, false
	}
	t.Fds[fd] = -1
	return h, true
}
