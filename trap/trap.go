// Package trap implements the interrupt/exception delivery layer of
// spec.md §4.5: a 256-entry IDT descriptor table, the canonical
// saved-register trap frame shared by every stub, and vector dispatch
// into the scheduler's preempt path, the syscall dispatcher, or a fatal
// exception halt. Grounded on the teacher's trapstub in
// kernel/main.go, whose comment fixes the stub's no-allocate,
// no-panic, nosplit discipline this package's Dispatch preserves by
// never doing anything a real interrupt-context handler couldn't.
//
// There is no hardware IDTR/GDTR to load here: this core runs hosted,
// so IDT and GDT are data describing what a real build would program
// into the CPU, consumed only by Dispatch's vector lookup.
package trap

import "github.com/nyx-project/nyxkernel/proc"

// Vector numbers fixed by spec.md §4.5.
const (
	VecExceptionsLo = 0
	VecExceptionsHi = 31
	VecPICLo        = 32
	VecPICHi        = 47
	VecAPICTimer    = 48
	VecSyscall      = 128
	NumVectors      = 256
)

// DPL (descriptor privilege level) gates who may enter a vector via a
// software interrupt. Every vector is DPL0 except the syscall gate,
// which must be DPL3 so user mode's `int 0x80` is permitted (spec.md
// §4.5: "IRQ vector gates are set DPL=0 except 128 which is DPL=3").
const (
	DPL0 = 0
	DPL3 = 3
)

// Gate is one IDT entry: grounded on the real descriptor's present
// bit, DPL, and target, minus the segment-selector/offset split that
// only matters when the table is actually loaded into hardware.
type Gate struct {
	Present bool
	DPL     int
	Handler HandlerFunc
}

// HandlerFunc receives the canonical frame already assembled by the
// stub (spec.md §9 "Trap context save layout": the dispatcher and the
// stub must agree on one struct).
type HandlerFunc func(f *Frame)

// Frame is the on-stack register frame every stub builds before
// calling into a handler: GPRs in stub push order, the vector and
// CPU-provided (or dummy) error code, and the saved CR3 so the
// scheduler can tell which address space faulted.
type Frame struct {
	Regs    proc.Regs
	Vector  int
	ErrCode uint64
}

// IDT holds all 256 gates; PIC IRQs remapped to 0x20..0x2F, the timer
// on 48, and 128 reserved for int 0x80 (spec.md §4.5).
type IDT struct {
	gates [NumVectors]Gate
}

// NewIDT builds the fixed vector layout with every handler left nil;
// callers install handlers with Set before the first trap can occur.
func NewIDT() *IDT {
	t := &IDT{}
	for v := VecExceptionsLo; v <= VecExceptionsHi; v++ {
		t.gates[v] = Gate{Present: true, DPL: DPL0}
	}
	for v := VecPICLo; v <= VecPICHi; v++ {
		t.gates[v] = Gate{Present: true, DPL: DPL0}
	}
	t.gates[VecAPICTimer] = Gate{Present: true, DPL: DPL0}
	t.gates[VecSyscall] = Gate{Present: true, DPL: DPL3}
	return t
}

// Set installs fn as the handler for vector, preserving that vector's
// DPL (panics on an out-of-range vector: a programming error, not a
// runtime fault).
func (t *IDT) Set(vector int, fn HandlerFunc) {
	t.gates[vector].Handler = fn
}

// Dispatch is the single function both the `int 0x80` stub and the
// syscall-instruction stub funnel into (spec.md §4.5: "Both build the
// same canonical register frame and invoke a single dispatcher").
// A vector 0-31 with no installed handler falls through to
// FatalException; any other vector with no handler is ignored.
func (t *IDT) Dispatch(f *Frame) {
	g := t.gates[f.Vector]
	if !g.Present || g.Handler == nil {
		if f.Vector >= VecExceptionsLo && f.Vector <= VecExceptionsHi {
			FatalException(f)
			return
		}
		return
	}
	g.Handler(f)
}

// FatalHandler is installed by the host process to report a CPU
// exception before the simulated halt; nil means diagnostics are
// discarded.
var FatalHandler func(f *Frame)

// haltCh, once closed, means the machine has halted: any goroutine
// still trying to run a task must stop (spec.md §7 FatalCpuException:
// "There is no process kill: a single user fault stops the machine").
var haltCh = make(chan struct{})

// FatalException implements spec.md §7's FatalCpuException: print a
// diagnostic frame, then halt. Halting is modeled as closing haltCh so
// every later call to Halted reports true; there is no
// real `hlt` loop to spin in a hosted process.
func FatalException(f *Frame) {
	if FatalHandler != nil {
		FatalHandler(f)
	}
	select {
	case <-haltCh:
	default:
		close(haltCh)
	}
}

// Halted reports whether a fatal exception has parked the machine.
func Halted() bool {
	select {
	case <-haltCh:
		return true
	default:
		return false
	}
}
