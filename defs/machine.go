package defs

// GDT selectors (spec.md §6). Six descriptors plus a 16-byte TSS
// occupying two slots.
const (
	SelNull       = 0x00
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelUserCode32 = 0x18 // present for SYSRET compatibility only
	SelUserData   = 0x20
	SelUserCode64 = 0x28
	SelTSS        = 0x30

	// RPL=3 selectors as loaded into CS/SS on iretq/sysret.
	UserCS = SelUserCode64 | 3 // 0x2B
	UserSS = SelUserData | 3  // 0x23
)

// Interrupt vectors (spec.md §4.5).
const (
	VecDivideError = 0
	VecPageFault   = 14
	VecLastFault   = 31

	VecPICBase  = 0x20 // legacy PIC remapped range start
	VecPICEnd   = 0x2F
	VecAPICTimer = 48 // or 32 in UEFI/PIT mode
	VecPITTimer  = 32
	VecSyscall   = 0x80 // int 0x80
)

// Serial console parameters (spec.md §6).
const (
	COM1Base    = 0x3F8
	SerialBaud  = 38400
)
