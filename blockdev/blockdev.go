// Package blockdev defines the sector-device boundary the block cache
// sits on top of, standing in for the out-of-scope ATA PIO driver
// (spec.md §1): "exposes read_sectors(drive, lba, count, buf) and its
// write counterpart". Two backends are provided: an in-memory one for
// unit tests, and a host-file-backed one for building and exercising
// real FAT16 images end to end.
package blockdev

import "fmt"

const SectorSize = 512

// Device is the boundary the block cache (package bcache) calls
// through; it is the Go interface standing in for the ATA PIO driver's
// C function-pointer pair.
type Device interface {
	ReadSectors(lba, count int, buf []byte) error
	WriteSectors(lba, count int, buf []byte) error
	NumSectors() int
}

// Memory is an in-memory Device, sized in whole sectors, used by unit
// and integration tests.
type Memory struct {
	data []byte
}

func NewMemory(nsectors int) *Memory {
	return &Memory{data: make([]byte, nsectors*SectorSize)}
}

func (m *Memory) NumSectors() int { return len(m.data) / SectorSize }

func (m *Memory) ReadSectors(lba, count int, buf []byte) error {
	if err := m.boundsCheck(lba, count, len(buf)); err != nil {
		return err
	}
	off := lba * SectorSize
	copy(buf, m.data[off:off+count*SectorSize])
	return nil
}

func (m *Memory) WriteSectors(lba, count int, buf []byte) error {
	if err := m.boundsCheck(lba, count, len(buf)); err != nil {
		return err
	}
	off := lba * SectorSize
	copy(m.data[off:off+count*SectorSize], buf)
	return nil
}

func (m *Memory) boundsCheck(lba, count, buflen int) error {
	if lba < 0 || count < 0 || lba+count > m.NumSectors() {
		return fmt.Errorf("blockdev: sector range [%d,%d) out of bounds (%d sectors)", lba, lba+count, m.NumSectors())
	}
	if buflen < count*SectorSize {
		return fmt.Errorf("blockdev: buffer too small for %d sectors", count)
	}
	return nil
}

// Bytes exposes the backing store.
func (m *Memory) Bytes() []byte { return m.data }
