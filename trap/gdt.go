package trap

// Selector values fixed by spec.md §4.5's SYSRET requirement: "STAR
// selectors chosen so that SYSRET returns to the 64-bit user code
// segment (CS=0x2B, SS=0x23)".
const (
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelUserData   = 0x23
	SelUserCode   = 0x2B
	SelTSS        = 0x30
)

// SegDesc is one GDT segment descriptor, limited to the fields that
// still mean something once the segment-limit/base machinery is
// irrelevant under 64-bit flat addressing: type, privilege, and
// presence.
type SegDesc struct {
	Selector int
	DPL      int
	Present  bool
	Code     bool // false => data segment
	Long     bool // long-mode code segment (L bit)
}

// TSSDesc is the 64-bit Task State Segment descriptor: only RSP0 (the
// kernel stack loaded on a ring3->ring0 transition) and the IST slots
// used by double-fault/NMI stubs matter once hardware task-switching
// is unused.
type TSSDesc struct {
	RSP0 uint64
	IST  [7]uint64
}

// GDT is the fixed flat-memory segment table this core programs:
// kernel code/data, user code/data, and one TSS (spec.md §4.5).
type GDT struct {
	Segs [5]SegDesc
	TSS  TSSDesc
}

// NewGDT returns the fixed selector layout; RSP0 is installed later by
// whoever owns the kernel stack for the running CPU.
func NewGDT() *GDT {
	return &GDT{
		Segs: [5]SegDesc{
			{Selector: SelKernelCode, DPL: DPL0, Present: true, Code: true, Long: true},
			{Selector: SelKernelData, DPL: DPL0, Present: true},
			{Selector: SelUserCode, DPL: DPL3, Present: true, Code: true, Long: true},
			{Selector: SelUserData, DPL: DPL3, Present: true},
			{Selector: SelTSS, DPL: DPL0, Present: true},
		},
	}
}

// SetKernelStack installs the RSP0 a ring3->ring0 transition switches
// to, mirroring the real TSS.RSP0 field.
func (g *GDT) SetKernelStack(top uint64) {
	g.TSS.RSP0 = top
}

// PIC remap targets: the legacy 8259 pair is reprogrammed off its
// power-on vectors (which collide with CPU exceptions) onto 0x20/0x28
// (spec.md §4.5: "Vectors 32-47 are the legacy PIC range (PIC remapped
// to 0x20/0x28)").
const (
	PICMasterVector = 0x20
	PICSlaveVector  = 0x28
)

// MSRs the syscall-instruction path programs so that `syscall` and
// `sysret` target the right segments and mask the right flags on
// entry (spec.md §4.5's "(b) a syscall-instruction entry that sets up
// MSRs (EFER.SCE, STAR, LSTAR, SFMASK)").
type SyscallMSRs struct {
	EFERSCE bool
	STAR    uint64
	LSTAR   uint64
	SFMASK  uint64
}

// NewSyscallMSRs derives the STAR value from the selectors above: bits
// 48-63 select SS for sysret (as selector-8, per the architecture's
// "+8" rule) and bits 32-47 select CS for syscall entry.
func NewSyscallMSRs(entryRIP uint64) SyscallMSRs {
	star := uint64(SelKernelCode)<<32 | uint64(SelUserData-8)<<48
	return SyscallMSRs{EFERSCE: true, STAR: star, LSTAR: entryRIP, SFMASK: 0x200 /* IF */}
}
