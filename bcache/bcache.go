// Package bcache implements the LRU block cache of spec.md §4.9,
// grounded on the teacher's fs/bdev.go cache structure and fs/blk.go
// buffer shape, with hit/miss counters in the spirit of the teacher's
// stats package.
package bcache

import (
	"fmt"

	"github.com/nyx-project/nyxkernel/blockdev"
)

type entry struct {
	blockNum int
	lastUsed uint64
	valid    bool
	dirty    bool
	data     []byte
}

// Cache is a fixed-entry-count LRU block cache over a blockdev.Device.
// BlockSize must be a positive multiple of the sector size.
type Cache struct {
	dev       blockdev.Device
	blockSize int
	entries   []entry
	timestamp uint64

	Hits   uint64
	Misses uint64
}

// Init builds a cache with numEntries slots of blockSize bytes each
// over dev (spec.md §4.9).
func Init(dev blockdev.Device, blockSize, numEntries int) (*Cache, error) {
	if blockSize <= 0 || blockSize%blockdev.SectorSize != 0 {
		return nil, fmt.Errorf("bcache: block size %d must be a positive multiple of sector size %d", blockSize, blockdev.SectorSize)
	}
	if numEntries <= 0 {
		return nil, fmt.Errorf("bcache: numEntries must be positive")
	}
	c := &Cache{dev: dev, blockSize: blockSize, entries: make([]entry, numEntries)}
	for i := range c.entries {
		c.entries[i].data = make([]byte, blockSize)
	}
	return c, nil
}

func (c *Cache) sectorsPerBlock() int { return c.blockSize / blockdev.SectorSize }

func (c *Cache) findValid(block int) int {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].blockNum == block {
			return i
		}
	}
	return -1
}

// pickVictim prefers any invalid slot; otherwise the entry with the
// smallest lastUsed timestamp (spec.md §4.9).
func (c *Cache) pickVictim() int {
	for i := range c.entries {
		if !c.entries[i].valid {
			return i
		}
	}
	victim := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].lastUsed < c.entries[victim].lastUsed {
			victim = i
		}
	}
	return victim
}

func (c *Cache) writeback(i int) error {
	e := &c.entries[i]
	if !e.valid || !e.dirty {
		return nil
	}
	lba := e.blockNum * c.sectorsPerBlock()
	if err := c.dev.WriteSectors(lba, c.sectorsPerBlock(), e.data); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (c *Cache) fill(i, block int) error {
	e := &c.entries[i]
	lba := block * c.sectorsPerBlock()
	if err := c.dev.ReadSectors(lba, c.sectorsPerBlock(), e.data); err != nil {
		return err
	}
	e.blockNum = block
	e.valid = true
	e.dirty = false
	return nil
}

func (c *Cache) touch(i int) {
	c.timestamp++
	c.entries[i].lastUsed = c.timestamp
}

// Read copies block's contents into buf, loading it from the device on
// a miss.
func (c *Cache) Read(block int, buf []byte) error {
	if i := c.findValid(block); i != -1 {
		c.Hits++
		c.touch(i)
		copy(buf, c.entries[i].data)
		return nil
	}
	c.Misses++
	i := c.pickVictim()
	if err := c.writeback(i); err != nil {
		return err
	}
	if err := c.fill(i, block); err != nil {
		return err
	}
	c.touch(i)
	copy(buf, c.entries[i].data)
	return nil
}

// Write overwrites block's cached payload with buf and marks it dirty;
// no immediate device I/O happens (spec.md §4.9).
func (c *Cache) Write(block int, buf []byte) error {
	var i int
	if hit := c.findValid(block); hit != -1 {
		i = hit
		c.Hits++
	} else {
		c.Misses++
		i = c.pickVictim()
		if err := c.writeback(i); err != nil {
			return err
		}
		if err := c.fill(i, block); err != nil {
			return err
		}
	}
	copy(c.entries[i].data, buf)
	c.entries[i].dirty = true
	c.touch(i)
	return nil
}

// Flush writes back every dirty valid entry and clears its dirty bit.
func (c *Cache) Flush() error {
	for i := range c.entries {
		if err := c.writeback(i); err != nil {
			return err
		}
	}
	return nil
}

// Destroy flushes and invalidates every entry, leaving the cache empty
// but reusable (spec.md §8 invariant 8: write, flush, destroy, re-init
// round trip).
func (c *Cache) Destroy() error {
	if err := c.Flush(); err != nil {
		return err
	}
	for i := range c.entries {
		c.entries[i].valid = false
		c.entries[i].dirty = false
		c.entries[i].blockNum = 0
	}
	return nil
}

func (c *Cache) BlockSize() int { return c.blockSize }
