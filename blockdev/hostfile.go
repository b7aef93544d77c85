package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// HostFile is a Device backed by a real file, issuing raw pread/pwrite
// against its descriptor the way the ATA PIO driver issues raw sector
// transfers rather than going through buffered os.File I/O — the
// closest a hosted Go program gets to "the sector device" being a
// separate, unbuffered piece of hardware.
type HostFile struct {
	f        *os.File
	nsectors int
}

// OpenHostFile opens (creating if needed) a disk image file of exactly
// nsectors*SectorSize bytes.
func OpenHostFile(path string, nsectors int) (*HostFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	size := int64(nsectors) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}
	return &HostFile{f: f, nsectors: nsectors}, nil
}

func (h *HostFile) NumSectors() int { return h.nsectors }

func (h *HostFile) ReadSectors(lba, count int, buf []byte) error {
	if err := h.boundsCheck(lba, count, len(buf)); err != nil {
		return err
	}
	off := int64(lba) * SectorSize
	n, err := unix.Pread(int(h.f.Fd()), buf[:count*SectorSize], off)
	if err != nil {
		return fmt.Errorf("blockdev: pread: %w", err)
	}
	if n != count*SectorSize {
		return fmt.Errorf("blockdev: short pread: got %d want %d", n, count*SectorSize)
	}
	return nil
}

func (h *HostFile) WriteSectors(lba, count int, buf []byte) error {
	if err := h.boundsCheck(lba, count, len(buf)); err != nil {
		return err
	}
	off := int64(lba) * SectorSize
	n, err := unix.Pwrite(int(h.f.Fd()), buf[:count*SectorSize], off)
	if err != nil {
		return fmt.Errorf("blockdev: pwrite: %w", err)
	}
	if n != count*SectorSize {
		return fmt.Errorf("blockdev: short pwrite: got %d want %d", n, count*SectorSize)
	}
	return nil
}

func (h *HostFile) boundsCheck(lba, count, buflen int) error {
	if lba < 0 || count < 0 || lba+count > h.nsectors {
		return fmt.Errorf("blockdev: sector range [%d,%d) out of bounds (%d sectors)", lba, lba+count, h.nsectors)
	}
	if buflen < count*SectorSize {
		return fmt.Errorf("blockdev: buffer too small for %d sectors", count)
	}
	return nil
}

func (h *HostFile) Sync() error { return h.f.Sync() }
func (h *HostFile) Close() error { return h.f.Close() }
