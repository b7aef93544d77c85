// Package integration exercises the S1-S6 end-to-end scenarios,
// wiring the block device, block cache, FAT16 filesystem, VFS,
// ELF loader, scheduler, and syscall dispatcher together the way
// cmd/kernel's boot sequence does, but driving each syscall directly
// against a task's register frame rather than through a real CPU.
package integration

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyx-project/nyxkernel/bcache"
	"github.com/nyx-project/nyxkernel/blockdev"
	"github.com/nyx-project/nyxkernel/console"
	"github.com/nyx-project/nyxkernel/defs"
	"github.com/nyx-project/nyxkernel/fat16"
	"github.com/nyx-project/nyxkernel/image"
	"github.com/nyx-project/nyxkernel/mem"
	"github.com/nyx-project/nyxkernel/paging"
	"github.com/nyx-project/nyxkernel/proc"
	"github.com/nyx-project/nyxkernel/syscall"
	"github.com/nyx-project/nyxkernel/vfs"
)

// kernel bundles one fully wired machine: frame allocator, paging,
// mounted filesystem, VFS, syscall dispatcher and scheduler.
type kernel struct {
	t        *testing.T
	frames   *mem.FrameAllocator
	ram      *mem.RAM
	mapper   *paging.Mapper
	sched    *proc.Scheduler
	vfs      *vfs.VFS
	tty      *console.TTY
	out      *bytes.Buffer
	d        *syscall.Dispatcher
	kernPML4 defs.PhysAddr
}

func mountImage(t *testing.T, skelFiles map[string]string) *fat16.Super {
	t.Helper()
	skelDir := t.TempDir()
	for name, content := range skelFiles {
		require.NoError(t, os.WriteFile(filepath.Join(skelDir, name), []byte(content), 0o644))
	}
	imgPath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, image.Build(imgPath, skelDir, image.Options{}))
	data, err := os.ReadFile(imgPath)
	require.NoError(t, err)
	dev := blockdev.NewMemory(len(data) / blockdev.SectorSize)
	require.NoError(t, dev.WriteSectors(0, len(data)/blockdev.SectorSize, data))
	cache, err := bcache.Init(dev, blockdev.SectorSize, 32)
	require.NoError(t, err)
	sb, err := fat16.Mount(cache)
	require.NoError(t, err)
	return sb
}

func newKernel(t *testing.T, skelFiles map[string]string) *kernel {
	t.Helper()
	sb := mountImage(t, skelFiles)

	v := vfs.New()
	v.Register(vfs.NewFatBackend(sb))

	frames := mem.NewFrameAllocator(0, defs.PhysAddr(32*1024*1024))
	ram := mem.NewRAM()
	mapper := paging.NewMapper(frames, ram)
	kernPML4, ok := frames.AllocFrame()
	require.True(t, ok)
	ram.Zero(kernPML4)
	mapper.KernelPML4 = kernPML4
	require.NoError(t, mapper.BuildKernelPML4(kernPML4))

	var out bytes.Buffer
	tty := console.NewTTY(&out, nil)
	d := syscall.NewDispatcher(ram, mapper, v, tty)

	return &kernel{
		t: t, frames: frames, ram: ram, mapper: mapper,
		sched: proc.NewScheduler(), vfs: v, tty: tty, out: &out, d: d,
		kernPML4: kernPML4,
	}
}

// newUserTask creates a task with its own address space and a single
// mapped scratch page at scratchVA for argument passing.
func (k *kernel) newUserTask(name string) (*proc.TCB, defs.VirtAddr) {
	k.t.Helper()
	tcb, err := proc.CreateUserTask(k.sched, k.mapper, name, func(api *proc.API) { api.Exit(0) })
	require.NoError(k.t, err)

	scratchVA := defs.VirtAddr(0x500000)
	frame, ok := k.frames.AllocFrame()
	require.True(k.t, ok)
	k.ram.Zero(frame)
	require.NoError(k.t, k.mapper.MapPage64(tcb.PML4Phys, frame, scratchVA, defs.PTE_P|defs.PTE_W|defs.PTE_U))
	return tcb, scratchVA
}

func (k *kernel) syscall(tcb *proc.TCB, num uint64, a1, a2, a3 uint64) int64 {
	tcb.Regs.GPR[proc.RAX] = num
	tcb.Regs.GPR[proc.RDI] = a1
	tcb.Regs.GPR[proc.RSI] = a2
	tcb.Regs.GPR[proc.RDX] = a3
	k.d.Dispatch(nil, tcb)
	return int64(tcb.Regs.GPR[proc.RAX])
}

func (k *kernel) putBytes(tcb *proc.TCB, va defs.VirtAddr, data []byte) {
	k.t.Helper()
	off := 0
	for off < len(data) {
		n, ok := syscallCopy(k, tcb, va+defs.VirtAddr(off), data[off:])
		require.True(k.t, ok)
		off += n
	}
}

// syscallCopy stages bytes in user memory without a syscall: it walks
// tcb's page tables to va's frame and copies directly into it, stopping
// at the page boundary and returning how many bytes it wrote.
func syscallCopy(k *kernel, tcb *proc.TCB, va defs.VirtAddr, data []byte) (int, bool) {
	// Page-walked write used only by putBytes; see vmem.Walk for the
	// general form this mirrors.
	l4, l3, l2, l1 := va.Indices()
	pml4e := k.ram.ReadU64(tcb.PML4Phys + defs.PhysAddr(l4*8))
	if pml4e&defs.PTE_P == 0 {
		return 0, false
	}
	pdpt := defs.PhysAddr(pml4e & defs.PTE_ADDR)
	pdpte := k.ram.ReadU64(pdpt + defs.PhysAddr(l3*8))
	if pdpte&defs.PTE_P == 0 {
		return 0, false
	}
	pd := defs.PhysAddr(pdpte & defs.PTE_ADDR)
	pde := k.ram.ReadU64(pd + defs.PhysAddr(l2*8))
	if pde&defs.PTE_P == 0 {
		return 0, false
	}
	pt := defs.PhysAddr(pde & defs.PTE_ADDR)
	pte := k.ram.ReadU64(pt + defs.PhysAddr(l1*8))
	if pte&defs.PTE_P == 0 {
		return 0, false
	}
	frame := defs.PhysAddr(pte & defs.PTE_ADDR)
	pageOff := uint64(va) % defs.PageSize
	buf := k.ram.Frame(frame)
	n := copy(buf[pageOff:], data)
	return n, true
}

// S1: boot to shell - cat /README.md prints exactly "hi\n".
func TestS1BootToShellCatPrintsFileContents(t *testing.T) {
	k := newKernel(t, map[string]string{"README.MD": "hi\n"})
	tcb, scratch := k.newUserTask("shell")

	path := "/README.MD\x00"
	k.putBytes(tcb, scratch, []byte(path))
	fd := k.syscall(tcb, defs.SYS_OPEN, uint64(scratch), uint64(defs.O_RDONLY), 0)
	require.GreaterOrEqual(t, fd, int64(0))

	n := k.syscall(tcb, defs.SYS_READ, uint64(fd), uint64(scratch+64), 64)
	require.Equal(t, int64(3), n)

	got, ok := readBytes(k, tcb, scratch+64, 3)
	require.True(t, ok)
	assert.Equal(t, "hi\n", string(got))
}

// readBytes reads n bytes starting at va, walking one page at a time
// so a read spanning more than one frame (e.g. S5's 8KiB sbrk region)
// doesn't read past a single frame's bounds, mirroring syscall's own
// copyFromUser.
func readBytes(k *kernel, tcb *proc.TCB, va defs.VirtAddr, n int) ([]byte, bool) {
	out := make([]byte, n)
	got := 0
	for got < n {
		cur := va + defs.VirtAddr(got)
		l4, l3, l2, l1 := cur.Indices()
		pml4e := k.ram.ReadU64(tcb.PML4Phys + defs.PhysAddr(l4*8))
		if pml4e&defs.PTE_P == 0 {
			return nil, false
		}
		pdpt := defs.PhysAddr(pml4e & defs.PTE_ADDR)
		pdpte := k.ram.ReadU64(pdpt + defs.PhysAddr(l3*8))
		if pdpte&defs.PTE_P == 0 {
			return nil, false
		}
		pd := defs.PhysAddr(pdpte & defs.PTE_ADDR)
		pde := k.ram.ReadU64(pd + defs.PhysAddr(l2*8))
		if pde&defs.PTE_P == 0 {
			return nil, false
		}
		pt := defs.PhysAddr(pde & defs.PTE_ADDR)
		pte := k.ram.ReadU64(pt + defs.PhysAddr(l1*8))
		if pte&defs.PTE_P == 0 {
			return nil, false
		}
		frame := defs.PhysAddr(pte & defs.PTE_ADDR)
		pageOff := uint64(cur) % defs.PageSize
		buf := k.ram.Frame(frame)
		take := int(defs.PageSize - pageOff)
		if remain := n - got; take > remain {
			take = remain
		}
		copy(out[got:], buf[pageOff:pageOff+uint64(take)])
		got += take
	}
	return out, true
}

// S2: memory pressure - starting from an empty heap, 33 64KiB blocks
// all succeed, and the arena ends at least 1MiB larger than it began.
// Each block takes 65560 bytes with header and canary, so a 1MiB growth
// holds 15 or 16 of them: the heap grows on the 1st, 16th and 32nd
// allocations, and the 33rd fits in the third growth.
func TestS2MemoryPressureTriggersHeapGrowth(t *testing.T) {
	frames := mem.NewFrameAllocator(0, defs.PhysAddr(64*1024*1024))
	h := mem.NewHeap(frames)
	startLen := h.Len()

	for i := 0; i < 32; i++ {
		_, ok := h.Kmalloc(64*1024, "s2")
		require.True(t, ok, "allocation %d of 32 failed", i)
	}

	off, ok := h.Kmalloc(64*1024, "s2-33rd")
	require.True(t, ok, "33rd allocation failed")
	assert.GreaterOrEqual(t, h.Len()-startLen, 1<<20)
	h.Kfree(off)
}

// S3: user exit - a task that calls exit(0) transitions
// Ready->Running->Dead and the ready queue drains to idle.
func TestS3UserExitDrainsToIdle(t *testing.T) {
	k := newKernel(t, nil)
	tcb, err := proc.CreateUserTask(k.sched, k.mapper, "initlike", func(api *proc.API) {
		api.Exit(0)
	})
	require.NoError(t, err)
	k.sched.Ready(tcb.Tid)

	ran := k.sched.Step()
	assert.Equal(t, tcb.Tid, ran.Tid)
	assert.Equal(t, proc.Dead, ran.State)
	assert.Equal(t, 0, ran.ExitCode)
	assert.Equal(t, 0, k.sched.ReadyLen())

	idleRan := k.sched.Step()
	assert.Equal(t, proc.IdleTid, idleRan.Tid)
}

// S4: fd isolation - two tasks opening different files both get local
// fd 3, and reads resolve against their own file.
func TestS4FdIsolationAcrossTasks(t *testing.T) {
	k := newKernel(t, map[string]string{
		"A.TXT": "from a",
		"B.TXT": "from b",
	})
	taskA, scratchA := k.newUserTask("a")
	taskB, scratchB := k.newUserTask("b")

	k.putBytes(taskA, scratchA, []byte("/A.TXT\x00"))
	fdA := k.syscall(taskA, defs.SYS_OPEN, uint64(scratchA), uint64(defs.O_RDONLY), 0)
	k.putBytes(taskB, scratchB, []byte("/B.TXT\x00"))
	fdB := k.syscall(taskB, defs.SYS_OPEN, uint64(scratchB), uint64(defs.O_RDONLY), 0)

	require.Equal(t, int64(defs.FdFirstFree), fdA)
	require.Equal(t, int64(defs.FdFirstFree), fdB)

	nA := k.syscall(taskA, defs.SYS_READ, uint64(fdA), uint64(scratchA+64), 16)
	gotA, ok := readBytes(k, taskA, scratchA+64, int(nA))
	require.True(t, ok)
	assert.Equal(t, "from a", string(gotA))

	nB := k.syscall(taskB, defs.SYS_READ, uint64(fdB), uint64(scratchB+64), 16)
	gotB, ok := readBytes(k, taskB, scratchB+64, int(nB))
	require.True(t, ok)
	assert.Equal(t, "from b", string(gotB))
}

// S5: sbrk - sbrk(0) then sbrk(8192), then a read through the returned
// address must not fault and the whole 8192-byte region reads back
// zero.
func TestS5SbrkGrowsAndZeroes(t *testing.T) {
	k := newKernel(t, nil)
	tcb, _ := k.newUserTask("sbrk")

	base := k.syscall(tcb, defs.SYS_SBRK, 0, 0, 0)
	grown := k.syscall(tcb, defs.SYS_SBRK, 8192, 0, 0)
	require.Equal(t, base, grown)

	got, ok := readBytes(k, tcb, defs.VirtAddr(base), 8192)
	require.True(t, ok, "sbrk-returned address is not mapped")
	for i, b := range got {
		require.Equal(t, byte(0), b, "byte %d of freshly grown heap not zero", i)
	}
}

// S6: preemption - two CPU-bound kernel tasks each make progress
// within a single timer tick without calling yield.
func TestS6PreemptionLetsBothTasksProgress(t *testing.T) {
	s := proc.NewScheduler()
	var r15A, r15B int

	a := proc.CreateKernelTask(s, "spinA", func(api *proc.API) {
		for i := 0; i < 5; i++ {
			r15A++
			api.CheckPoint()
		}
		api.Exit(0)
	})
	b := proc.CreateKernelTask(s, "spinB", func(api *proc.API) {
		for i := 0; i < 5; i++ {
			r15B++
			api.CheckPoint()
		}
		api.Exit(0)
	})
	s.Ready(a.Tid)
	s.Ready(b.Tid)

	s.RequestPreempt()
	s.Step() // a makes one increment, then preempts at CheckPoint
	assert.Equal(t, 1, r15A)
	assert.Equal(t, 0, r15B)

	s.RequestPreempt()
	s.Step() // b now runs first (a went to the tail), makes one increment
	assert.Equal(t, 1, r15A)
	assert.Equal(t, 1, r15B)
}
