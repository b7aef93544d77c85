package defs

// Syscall numbers. The core pins the Linux x86-64 numbering for the small
// subset it implements (SYS_READ=0, SYS_WRITE=1, ... SYS_EXIT=60) rather
// than the compact custom schema that also appears in the distilled
// source (write=1, exit=2, sbrk=3, ...). Both the dispatcher in package
// syscall and the hosted C library's stubs must agree on this table; see
// DESIGN.md for the rationale (Open Question in spec.md §9).
const (
	SYS_READ        = 0
	SYS_WRITE       = 1
	SYS_OPEN        = 2
	SYS_CLOSE       = 3
	SYS_FSTAT       = 5
	SYS_LSEEK       = 8
	SYS_SBRK        = 12
	SYS_ARCH_PRCTL  = 158
	SYS_EXIT        = 60
	SYS_GETPID      = 39
	SYS_KILL        = 62
	SYS_ISATTY      = 200 // not a real Linux number; reserved range used by the hosted libc's ioctl(TCGETS) shim
	SYS_GET_REENT   = 201 // ditto: custom reentrancy-block syscall used only by this libc port
)

// open(2) flags, Linux numeric values, as the hosted C library expects.
type OpenFlag uint

const (
	O_RDONLY OpenFlag = 0x0
	O_WRONLY OpenFlag = 0x1
	O_RDWR   OpenFlag = 0x2
	O_CREAT  OpenFlag = 0x40
	O_TRUNC  OpenFlag = 0x200
	O_APPEND OpenFlag = 0x400
)

// lseek(2) whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Reserved low file descriptors; fds 3..31 resolve through the per-task
// table into the global VFS handle table (spec.md §3, §4.7).
const (
	FD_STDIN  = 0
	FD_STDOUT = 1
	FD_STDERR = 2

	FdTableSize  = 32
	FdFirstFree  = 3
)

// arch_prctl(2) codes, used to seed FS/GS base for the libc's TLS.
const (
	ARCH_SET_FS = 0x1002
	ARCH_GET_FS = 0x1003
)
