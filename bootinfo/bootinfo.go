// Package bootinfo decodes the record the UEFI bootloader hands to
// kernel entry (spec.md §6). The bootloader itself is out of scope;
// this package only owns the record's shape and the sanity checks
// (Validate) to run over it before trusting the framebuffer geometry.
// cmd/kernel does not read a boot-info record.
package bootinfo

import "fmt"

// Info mirrors the bootloader's boot-info record: framebuffer base and
// geometry, 32bpp XRGB8888 assumed, plus the kernel's own entry point
// as a real loader-to-kernel handoff records it.
type Info struct {
	FramebufferBase     uint64
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelsPerScanLine    uint32
	KernelEntry          uint64
}

func (i Info) Validate() error {
	if i.HorizontalResolution == 0 || i.VerticalResolution == 0 {
		return fmt.Errorf("bootinfo: zero framebuffer resolution")
	}
	if i.PixelsPerScanLine < i.HorizontalResolution {
		return fmt.Errorf("bootinfo: scanline pitch %d smaller than width %d",
			i.PixelsPerScanLine, i.HorizontalResolution)
	}
	return nil
}

func (i Info) FramebufferBytes() uint64 {
	return uint64(i.PixelsPerScanLine) * uint64(i.VerticalResolution) * 4
}
