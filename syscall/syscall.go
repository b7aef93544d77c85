// Package syscall implements the int 0x80 / syscall dispatcher of
// spec.md §4.7: the Linux-style calling convention (number in RAX,
// args in RDI/RSI/RDX/R10/R8/R9, return in RAX), copy_to_user /
// copy_from_user page-presence-checked user-memory access, and the
// ~13-call POSIX-ish surface. Grounded on the teacher's kernel/syscall.go
// dispatch table shape, trimmed to this core's fixed syscall set.
package syscall

import (
	"github.com/nyx-project/nyxkernel/console"
	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/mem"
	"github.com/nyx-project/nyxkernel/paging"
	"github.com/nyx-project/nyxkernel/proc"
	"github.com/nyx-project/nyxkernel/vfs"
	"github.com/nyx-project/nyxkernel/vmem"
)

// Dispatcher is the single entry point both trap gates (vector 0x80 and
// the syscall instruction) funnel into, sharing one canonical register
// frame (spec.md §4.7).
type Dispatcher struct {
	RAM    *mem.RAM
	Mapper *paging.Mapper
	VFS    *vfs.VFS
	TTY    *console.TTY
}

func NewDispatcher(ram *mem.RAM, mapper *paging.Mapper, v *vfs.VFS, tty *console.TTY) *Dispatcher {
	return &Dispatcher{RAM: ram, Mapper: mapper, VFS: v, TTY: tty}
}

// copyFromUser validates page presence for every page spanned by
// [va, va+n) before copying, per spec.md §4.7. A page without PTE_U
// (such as the supervisor-only identity map cloned into PML4 entry 0)
// is rejected with EFAULT like an unmapped one.
func copyFromUser(ram *mem.RAM, cr3 defs.PhysAddr, va defs.VirtAddr, n int) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	got := 0
	for got < n {
		cur := defs.VirtAddr(uint64(va) + uint64(got))
		phys, flags, ok := vmem.Walk(ram, cr3, cur)
		if !ok || flags&defs.PTE_U == 0 {
			return nil, defs.EFAULT
		}
		pageOff := uint64(phys) % defs.PageSize
		frame := ram.Frame(phys.PageRounddown())
		take := defs.PageSize - int(pageOff)
		if remain := n - got; take > remain {
			take = remain
		}
		copy(out[got:], frame[pageOff:pageOff+uint64(take)])
		got += take
	}
	return out, 0
}

// copyToUser is copyFromUser's write counterpart.
func copyToUser(ram *mem.RAM, cr3 defs.PhysAddr, va defs.VirtAddr, data []byte) defs.Err_t {
	done := 0
	for done < len(data) {
		cur := defs.VirtAddr(uint64(va) + uint64(done))
		phys, flags, ok := vmem.Walk(ram, cr3, cur)
		if !ok {
			return defs.EFAULT
		}
		if flags&defs.PTE_W == 0 || flags&defs.PTE_U == 0 {
			return defs.EFAULT
		}
		pageOff := uint64(phys) % defs.PageSize
		frame := ram.Frame(phys.PageRounddown())
		take := defs.PageSize - int(pageOff)
		if remain := len(data) - done; take > remain {
			take = remain
		}
		copy(frame[pageOff:pageOff+uint64(take)], data[done:done+take])
		done += take
	}
	return 0
}

// Dispatch decodes t's register frame, performs the call, and leaves
// the result in GPR[RAX] (spec.md §4.7). api is consulted for blocking
// syscalls (read on fd 0) and for exit, which never returns.
func (d *Dispatcher) Dispatch(api *proc.API, t *proc.TCB) {
	num := t.Regs.GPR[proc.RAX]
	a1 := t.Regs.GPR[proc.RDI]
	a2 := t.Regs.GPR[proc.RSI]
	a3 := t.Regs.GPR[proc.RDX]

	var ret int64
	switch int(num) {
	case defs.SYS_READ:
		ret = d.sysRead(api, t, int(a1), defs.VirtAddr(a2), int(a3))
	case defs.SYS_WRITE:
		ret = d.sysWrite(t, int(a1), defs.VirtAddr(a2), int(a3))
	case defs.SYS_OPEN:
		ret = d.sysOpen(t, defs.VirtAddr(a1), defs.OpenFlag(a2))
	case defs.SYS_CLOSE:
		ret = d.sysClose(t, int(a1))
	case defs.SYS_LSEEK:
		ret = d.sysLseek(t, int(a1), int(a2), int(a3))
	case defs.SYS_FSTAT:
		ret = d.sysFstat(t, int(a1), defs.VirtAddr(a2))
	case defs.SYS_ISATTY:
		ret = sysIsatty(int(a1))
	case defs.SYS_SBRK:
		ret = d.sysSbrk(t, int64(a1))
	case defs.SYS_GETPID:
		ret = int64(t.Tid)
	case defs.SYS_KILL:
		ret = 0
	case defs.SYS_GET_REENT:
		ret = d.sysGetReent(t, int64(a1))
	case defs.SYS_ARCH_PRCTL:
		ret = d.sysArchPrctl(t, int(a1), defs.VirtAddr(a2))
	case defs.SYS_EXIT:
		api.Exit(int(a1))
		return
	default:
		ret = -int64(defs.ENOSYS)
	}
	t.Regs.GPR[proc.RAX] = uint64(ret)
}

func isStdFd(fd int) bool { return fd >= 0 && fd <= 2 }

// sysRead dispatches to the VFS, or for fd 0 blocks for a keyboard line
// up to '\n' (spec.md §4.7).
func (d *Dispatcher) sysRead(api *proc.API, t *proc.TCB, fd int, bufVA defs.VirtAddr, n int) int64 {
	if n == 0 {
		return 0
	}
	if fd == 0 {
		tmp := make([]byte, n)
		got := d.TTY.ReadLine(tmp, api.CheckPoint)
		if errt := copyToUser(d.RAM, defs.PhysAddr(t.Regs.CR3), bufVA, tmp[:got]); errt != 0 {
			return -int64(errt)
		}
		return int64(got)
	}
	if isStdFd(fd) {
		return -int64(defs.EBADF)
	}
	handle, ok := t.Handle(fd)
	if !ok {
		return -int64(defs.EBADF)
	}
	tmp := make([]byte, n)
	nread, errt := d.VFS.Read(handle, tmp)
	if errt != 0 {
		return -int64(errt)
	}
	if errt := copyToUser(d.RAM, defs.PhysAddr(t.Regs.CR3), bufVA, tmp[:nread]); errt != 0 {
		return -int64(errt)
	}
	return int64(nread)
}

// sysWrite sends fd 1/2 to the console in <=1KiB chunks and fd>=3 to
// the VFS backend's truncating write_file (spec.md §4.7).
func (d *Dispatcher) sysWrite(t *proc.TCB, fd int, bufVA defs.VirtAddr, n int) int64 {
	if n == 0 {
		return 0
	}
	data, errt := copyFromUser(d.RAM, defs.PhysAddr(t.Regs.CR3), bufVA, n)
	if errt != 0 {
		return -int64(errt)
	}
	if fd == 1 || fd == 2 {
		return int64(d.TTY.WriteChunks(data))
	}
	if fd == 0 {
		return -int64(defs.EBADF)
	}
	handle, ok := t.Handle(fd)
	if !ok {
		return -int64(defs.EBADF)
	}
	written, errt := d.VFS.Write(handle, data)
	if errt != 0 {
		return -int64(errt)
	}
	return int64(written)
}

// sysOpen reads the path string out of user memory (NUL-terminated, up
// to 256 bytes per spec.md §3's VFS file path field) and opens it.
func (d *Dispatcher) sysOpen(t *proc.TCB, pathVA defs.VirtAddr, flags defs.OpenFlag) int64 {
	path, errt := readCString(d.RAM, defs.PhysAddr(t.Regs.CR3), pathVA, 256)
	if errt != 0 {
		return -int64(errt)
	}
	handle, errt := d.VFS.Open(path, flags)
	if errt != 0 {
		return -int64(errt)
	}
	fd, ok := t.AllocFd(handle)
	if !ok {
		d.VFS.Close(handle)
		return -int64(defs.EMFILE)
	}
	return int64(fd)
}

func (d *Dispatcher) sysClose(t *proc.TCB, fd int) int64 {
	if isStdFd(fd) {
		return 0
	}
	handle, ok := t.FreeFd(fd)
	if !ok {
		return -int64(defs.EBADF)
	}
	if errt := d.VFS.Close(handle); errt != 0 {
		return -int64(errt)
	}
	return 0
}

func (d *Dispatcher) sysLseek(t *proc.TCB, fd, off, whence int) int64 {
	if isStdFd(fd) {
		return -int64(defs.ESPIPE)
	}
	handle, ok := t.Handle(fd)
	if !ok {
		return -int64(defs.EBADF)
	}
	newOff, errt := d.VFS.Lseek(handle, off, whence)
	if errt != 0 {
		return -int64(errt)
	}
	return int64(newOff)
}

// statSize/statMode mirror the byte offsets of a minimal POSIX stat
// buffer: mode at offset 24 (st_mode, after dev/ino/nlink on a 64-bit
// layout), size at offset 48 (st_size). Only these two fields are
// populated, matching spec.md §4.7's "minimum: mode and size fields".
const (
	statModeOff = 24
	statSizeOff = 48
	statBufLen  = 144
)

func (d *Dispatcher) sysFstat(t *proc.TCB, fd int, statVA defs.VirtAddr) int64 {
	buf := make([]byte, statBufLen)
	const sIFCHR = 0o020000
	if isStdFd(fd) {
		putU32(buf[statModeOff:], sIFCHR)
	} else {
		handle, ok := t.Handle(fd)
		if !ok {
			return -int64(defs.EBADF)
		}
		var mode, size uint32
		if errt := d.VFS.Fstat(handle, &mode, &size); errt != 0 {
			return -int64(errt)
		}
		putU32(buf[statModeOff:], mode)
		putU64(buf[statSizeOff:], uint64(size))
	}
	if errt := copyToUser(d.RAM, defs.PhysAddr(t.Regs.CR3), statVA, buf); errt != 0 {
		return -int64(errt)
	}
	return 0
}

func sysIsatty(fd int) int64 {
	if isStdFd(fd) {
		return 1
	}
	return 0
}

// sysSbrk grows the user heap by n bytes (n may be 0 to query the
// current break) and returns the break's value before growth, matching
// POSIX sbrk (spec.md S5).
func (d *Dispatcher) sysSbrk(t *proc.TCB, n int64) int64 {
	cur := uint64(t.UserBrkBase) + t.UserBrkSize
	if n == 0 {
		return int64(cur)
	}
	if n < 0 {
		return -int64(defs.EINVAL)
	}
	growFrom := defs.VirtAddr(cur).PageRounddown()
	growTo := defs.VirtAddr(cur + uint64(n)).PageRoundup()
	for va := growFrom; va < growTo; va += defs.PageSize {
		if _, flags, ok := vmem.Walk(d.RAM, t.PML4Phys, va); ok && flags&defs.PTE_U != 0 {
			continue
		}
		frame, ok := d.Mapper.Frames.AllocFrame()
		if !ok {
			return -int64(defs.ENOMEM)
		}
		d.RAM.Zero(frame)
		if err := d.Mapper.MapPage64(t.PML4Phys, frame, va, defs.PTE_P|defs.PTE_W|defs.PTE_U); err != nil {
			return -int64(defs.ENOMEM)
		}
	}
	t.UserBrkSize += uint64(n)
	return int64(cur)
}

// sysGetReent allocates and zeroes the task's C-library reentrancy
// page on first call, mapping it at defs.UserReentBase, and returns its
// virtual address on every call. The page is always exactly one frame
// regardless of the requested size, which is the 4 KiB cap spec.md
// §4.7 calls for; size beyond that is simply never backed by memory.
func (d *Dispatcher) sysGetReent(t *proc.TCB, size int64) int64 {
	if t.ReentVA != 0 {
		return int64(t.ReentVA)
	}
	frame, ok := d.Mapper.Frames.AllocFrame()
	if !ok {
		return -int64(defs.ENOMEM)
	}
	d.RAM.Zero(frame)
	if err := d.Mapper.MapPage64(t.PML4Phys, frame, defs.UserReentBase, defs.PTE_P|defs.PTE_W|defs.PTE_U); err != nil {
		return -int64(defs.ENOMEM)
	}
	t.ReentVA = defs.UserReentBase
	return int64(t.ReentVA)
}

// archPrctl implements only ARCH_SET_FS/ARCH_GET_FS, used by the hosted
// C library to install TLS; everything else is unsupported.
func (d *Dispatcher) sysArchPrctl(t *proc.TCB, code int, addrVA defs.VirtAddr) int64 {
	switch code {
	case defs.ARCH_SET_FS:
		t.Regs.GPR[proc.R15] = uint64(addrVA) // FS base stashed; no real segment register in the hosted model
		return 0
	case defs.ARCH_GET_FS:
		if errt := copyToUser(d.RAM, defs.PhysAddr(t.Regs.CR3), addrVA, u64Bytes(t.Regs.GPR[proc.R15])); errt != 0 {
			return -int64(errt)
		}
		return 0
	default:
		return -int64(defs.EINVAL)
	}
}

func readCString(ram *mem.RAM, cr3 defs.PhysAddr, va defs.VirtAddr, maxLen int) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b, errt := copyFromUser(ram, cr3, defs.VirtAddr(uint64(va)+uint64(i)), 1)
		if errt != 0 {
			return "", errt
		}
		if b[0] == 0 {
			return string(buf), 0
		}
		buf = append(buf, b[0])
	}
	return "", defs.ENAMETOOLONG
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	putU64(b, v)
	return b
}
