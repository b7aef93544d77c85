// Package fat16 implements the block-cache-backed FAT16 filesystem of
// spec.md §4.10: BPB parsing, cluster-chain walks, and path resolution
// down to an 11-byte uppercase shortname, structurally shaped like the
// teacher's fs/fs.go superblock and grounded byte-for-byte on
// original_source/src/kernel/fs/fat/fat16.c for shortname/tombstone
// handling and scratch-buffer sizing.
package fat16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/nyx-project/nyxkernel/bcache"
)

// maxSectorSize bounds the block-cache block size Mount accepts,
// mirroring the original's fat16_sector_scratch/fat16_cluster_scratch
// sizing discipline. The BPB's own bytes-per-sector field must be
// exactly 512; Mount rejects any other value.
const maxSectorSize = 4096

const (
	entrySize        = 32
	attrVolumeLabel  = 0x08
	attrDirectory    = 0x10
	attrArchive      = 0x20
	entryFree        = 0x00
	entryDeleted     = 0xE5
	clusterFirstData = 2
	clusterEOFMin    = 0xFFF8
	clusterEOF       = 0xFFFF
)

var (
	ErrUnsupportedSector = errors.New("fat16: only 512-byte sectors are supported")
	ErrImageTooSmall     = errors.New("fat16: image too small to hold a boot sector")
	ErrNotFound          = errors.New("fat16: path not found")
	ErrNotDirectory      = errors.New("fat16: path component is not a directory")
	ErrNoFreeSlot        = errors.New("fat16: no free directory entry slot")
	ErrNoSpace           = errors.New("fat16: no free clusters")
	ErrInvalidPath       = errors.New("fat16: invalid path")
)

// Super is the mounted FAT16 superblock (spec.md §3 "FAT16 superblock").
type Super struct {
	BytesPerSector   uint16
	SectorsPerCluster uint8
	ReservedSectors  uint16
	NumFATs          uint8
	MaxRootEntries   uint16
	TotalSectors     uint32
	FATSizeSectors   uint16
	FirstDataSector  uint32
	RootDirSector    uint32

	cache *bcache.Cache
}

// Mount parses the BPB out of cache's block 0 and builds a Super over
// it (spec.md §4.10 mount_with_cache).
func Mount(cache *bcache.Cache) (*Super, error) {
	bs := cache.BlockSize()
	if bs < 512 || bs > maxSectorSize {
		return nil, fmt.Errorf("%w: block size %d", ErrUnsupportedSector, bs)
	}
	boot := make([]byte, bs)
	if err := cache.Read(0, boot); err != nil {
		return nil, fmt.Errorf("fat16: read boot sector: %w", err)
	}
	if len(boot) < 512 {
		return nil, ErrImageTooSmall
	}

	bytesPerSector := binary.LittleEndian.Uint16(boot[11:13])
	if bytesPerSector != 512 {
		return nil, ErrUnsupportedSector
	}
	sectorsPerCluster := boot[13]
	reserved := binary.LittleEndian.Uint16(boot[14:16])
	numFATs := boot[16]
	maxRoot := binary.LittleEndian.Uint16(boot[17:19])
	totalShort := binary.LittleEndian.Uint16(boot[19:21])
	fatSizeSectors := binary.LittleEndian.Uint16(boot[22:24])
	totalSectors := uint32(totalShort)
	if totalShort == 0 {
		totalSectors = binary.LittleEndian.Uint32(boot[32:36])
	}
	if fatSizeSectors == 0 {
		fatSizeSectors = uint16(binary.LittleEndian.Uint32(boot[36:40]))
	}

	rootDirSectors := (uint32(maxRoot)*entrySize + uint32(bytesPerSector) - 1) / uint32(bytesPerSector)
	rootDirSector := uint32(reserved) + uint32(numFATs)*uint32(fatSizeSectors)
	firstDataSector := rootDirSector + rootDirSectors

	return &Super{
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reserved,
		NumFATs:           numFATs,
		MaxRootEntries:    maxRoot,
		TotalSectors:      totalSectors,
		FATSizeSectors:    fatSizeSectors,
		FirstDataSector:   firstDataSector,
		RootDirSector:     rootDirSector,
		cache:             cache,
	}, nil
}

func (s *Super) clusterBytes() uint32 {
	return uint32(s.BytesPerSector) * uint32(s.SectorsPerCluster)
}

func (s *Super) clusterSector(cluster uint16) uint32 {
	return s.FirstDataSector + uint32(cluster-clusterFirstData)*uint32(s.SectorsPerCluster)
}

// readBytes reads len(dst) bytes starting at the byte offset off,
// spanning as many cache blocks as needed.
func (s *Super) readBytes(off uint32, dst []byte) error {
	bs := uint32(s.cache.BlockSize())
	buf := make([]byte, bs)
	copied := 0
	for copied < len(dst) {
		cur := off + uint32(copied)
		block := int(cur / bs)
		if err := s.cache.Read(block, buf); err != nil {
			return err
		}
		from := cur % bs
		take := bs - from
		if remain := uint32(len(dst) - copied); take > remain {
			take = remain
		}
		copy(dst[copied:], buf[from:from+take])
		copied += int(take)
	}
	return nil
}

func (s *Super) writeBytes(off uint32, src []byte) error {
	bs := uint32(s.cache.BlockSize())
	buf := make([]byte, bs)
	written := 0
	for written < len(src) {
		cur := off + uint32(written)
		block := int(cur / bs)
		if err := s.cache.Read(block, buf); err != nil {
			return err
		}
		from := cur % bs
		take := bs - from
		if remain := uint32(len(src) - written); take > remain {
			take = remain
		}
		copy(buf[from:from+take], src[written:])
		if err := s.cache.Write(block, buf); err != nil {
			return err
		}
		written += int(take)
	}
	return nil
}

func (s *Super) fatOffsetBytes() uint32 {
	return uint32(s.ReservedSectors) * uint32(s.BytesPerSector)
}

func (s *Super) readFATEntry(cluster uint16) (uint16, error) {
	off := s.fatOffsetBytes() + uint32(cluster)*2
	var buf [2]byte
	if err := s.readBytes(off, buf[:]); err != nil {
		return clusterEOF, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// writeFATEntry keeps every FAT copy in sync (spec.md §4.10).
func (s *Super) writeFATEntry(cluster uint16, val uint16) error {
	off := s.fatOffsetBytes() + uint32(cluster)*2
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	for f := uint8(0); f < s.NumFATs; f++ {
		fatOff := off + uint32(f)*uint32(s.FATSizeSectors)*uint32(s.BytesPerSector)
		if err := s.writeBytes(fatOff, buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Super) totalClusters() uint32 {
	return (s.TotalSectors - s.FirstDataSector) / uint32(s.SectorsPerCluster)
}

// allocateChain scans the FAT for n free (0) entries, low cluster
// number first, links them in order, and returns the first cluster.
func (s *Super) allocateChain(n uint16) (uint16, error) {
	if n == 0 {
		return 0, fmt.Errorf("fat16: allocateChain: n must be > 0")
	}
	total := s.totalClusters()
	found := make([]uint16, 0, n)
	for c := uint16(clusterFirstData); uint32(c) < uint32(clusterFirstData)+total && uint16(len(found)) < n; c++ {
		e, err := s.readFATEntry(c)
		if err != nil {
			return 0, err
		}
		if e == 0 {
			found = append(found, c)
		}
	}
	if uint16(len(found)) < n {
		return 0, ErrNoSpace
	}
	for i, c := range found {
		val := uint16(clusterEOF)
		if i+1 < len(found) {
			val = found[i+1]
		}
		if err := s.writeFATEntry(c, val); err != nil {
			return 0, err
		}
	}
	return found[0], nil
}

func (s *Super) freeChain(start uint16) error {
	cur := start
	for cur >= clusterFirstData && cur < clusterEOFMin {
		next, err := s.readFATEntry(cur)
		if err != nil {
			return err
		}
		if err := s.writeFATEntry(cur, 0); err != nil {
			return err
		}
		if next == 0 || next >= clusterEOFMin {
			break
		}
		cur = next
	}
	return nil
}

// makeShortName derives an 11-byte uppercase 8.3 shortname from name
// (spec.md §4.10: "short-name matching is case-insensitive via an
// 11-byte uppercase shortname derived from the input").
func makeShortName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	ni := 0
	for i := 0; i < len(base) && ni < 8; i++ {
		out[ni] = upper(base[i])
		ni++
	}
	ni = 8
	for i := 0; i < len(ext) && ni < 11; i++ {
		out[ni] = upper(ext[i])
		ni++
	}
	return out
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

type rawEntry [entrySize]byte

func (e rawEntry) isFree() bool     { return e[0] == entryFree }
func (e rawEntry) isDeleted() bool  { return e[0] == entryDeleted }
func (e rawEntry) attr() byte       { return e[11] }
func (e rawEntry) isVolumeLabel() bool { return e.attr()&attrVolumeLabel != 0 }
func (e rawEntry) isDir() bool      { return e.attr()&attrDirectory != 0 }
func (e rawEntry) startCluster() uint16 { return binary.LittleEndian.Uint16(e[26:28]) }
func (e rawEntry) fileSize() uint32     { return binary.LittleEndian.Uint32(e[28:32]) }
func (e rawEntry) shortNameBytes() [11]byte {
	var n [11]byte
	copy(n[:], e[0:11])
	return n
}

func (e *rawEntry) setStartCluster(c uint16) { binary.LittleEndian.PutUint16(e[26:28], c) }
func (e *rawEntry) setFileSize(sz uint32)    { binary.LittleEndian.PutUint32(e[28:32], sz) }

// displayName renders an 11-byte shortname back into "BASE.EXT" form.
func displayName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

const invalidOffset = 0xFFFFFFFF

// scanResult is the outcome of scanning a directory region for a
// shortname match, mirroring the original's triple out-parameters
// (entry bytes, entry offset, first free/tombstone offset).
type scanResult struct {
	found    bool
	entry    rawEntry
	entryOff uint32
	freeOff  uint32
}

// findInRoot scans the fixed root-directory region (spec.md §4.10:
// "cluster 0 means the fixed root-dir region"), carrying the original's
// 0xE5-tombstone "first free slot" bookkeeping.
func (s *Super) findInRoot(shortname [11]byte) (scanResult, error) {
	entriesPerSector := uint32(s.BytesPerSector) / entrySize
	sectors := (uint32(s.MaxRootEntries) + entriesPerSector - 1) / entriesPerSector
	return s.scanSectors(s.RootDirSector, sectors, shortname)
}

// findInDir scans a subdirectory's cluster chain for a shortname match.
func (s *Super) findInDir(startCluster uint16, shortname [11]byte) (scanResult, error) {
	entriesPerSector := uint32(s.BytesPerSector) / entrySize
	firstFree := uint32(invalidOffset)
	cur := startCluster
	for cur >= clusterFirstData && cur < clusterEOFMin {
		sector := s.clusterSector(cur)
		step, err := s.scanSectorsTracking(sector, uint32(s.SectorsPerCluster), entriesPerSector, shortname, &firstFree)
		if err != nil {
			return scanResult{}, err
		}
		if step.found {
			return scanResult{found: true, entry: step.entry, entryOff: step.entryOff, freeOff: step.freeOff}, nil
		}
		if step.terminatedByFree {
			return scanResult{found: false, freeOff: step.freeOff}, nil
		}
		next, err := s.readFATEntry(cur)
		if err != nil {
			return scanResult{}, err
		}
		if next == 0 || next >= clusterEOFMin {
			break
		}
		cur = next
	}
	return scanResult{found: false, freeOff: firstFree}, nil
}

type scanStep struct {
	found            bool
	entry            rawEntry
	entryOff         uint32
	freeOff          uint32
	terminatedByFree bool
}

func (s *Super) scanSectorsTracking(startSector, sectorCount, entriesPerSector uint32, shortname [11]byte, firstFree *uint32) (scanStep, error) {
	buf := make([]byte, s.BytesPerSector)
	for sc := uint32(0); sc < sectorCount; sc++ {
		if err := s.readBytes((startSector+sc)*uint32(s.BytesPerSector), buf); err != nil {
			return scanStep{}, err
		}
		for e := uint32(0); e < entriesPerSector; e++ {
			off := e * entrySize
			var ent rawEntry
			copy(ent[:], buf[off:off+entrySize])
			absOff := (startSector+sc)*uint32(s.BytesPerSector) + off
			if ent.isFree() {
				if *firstFree == invalidOffset {
					return scanStep{terminatedByFree: true, freeOff: absOff}, nil
				}
				return scanStep{terminatedByFree: true, freeOff: *firstFree}, nil
			}
			if ent.isDeleted() {
				if *firstFree == invalidOffset {
					*firstFree = absOff
				}
				continue
			}
			if ent.isVolumeLabel() {
				continue
			}
			if ent.shortNameBytes() == shortname {
				fo := *firstFree
				return scanStep{found: true, entry: ent, entryOff: absOff, freeOff: fo}, nil
			}
		}
	}
	return scanStep{terminatedByFree: false, freeOff: *firstFree}, nil
}

// scanSectors is findInRoot's fixed-region variant of scanSectorsTracking.
func (s *Super) scanSectors(startSector, sectorCount uint32, shortname [11]byte) (scanResult, error) {
	entriesPerSector := uint32(s.BytesPerSector) / entrySize
	firstFree := uint32(invalidOffset)
	step, err := s.scanSectorsTracking(startSector, sectorCount, entriesPerSector, shortname, &firstFree)
	if err != nil {
		return scanResult{}, err
	}
	if step.found {
		return scanResult{found: true, entry: step.entry, entryOff: step.entryOff, freeOff: step.freeOff}, nil
	}
	return scanResult{found: false, freeOff: step.freeOff}, nil
}

// resolvePath walks path component by component from the root,
// returning the final component's directory entry and its location,
// plus the parent directory's cluster (0 == root) for creation.
func (s *Super) resolvePath(path string) (res scanResult, parentCluster uint16, err error) {
	if path == "" {
		return scanResult{}, 0, ErrInvalidPath
	}
	comps := splitPath(path)
	if len(comps) == 0 {
		return scanResult{}, 0, ErrInvalidPath
	}
	dirCluster := uint16(0)
	for i, comp := range comps {
		isLast := i == len(comps)-1
		shortname := makeShortName(comp)
		var r scanResult
		if dirCluster == 0 {
			r, err = s.findInRoot(shortname)
		} else {
			r, err = s.findInDir(dirCluster, shortname)
		}
		if err != nil {
			return scanResult{}, 0, err
		}
		if r.found {
			if isLast {
				return r, dirCluster, nil
			}
			if !r.entry.isDir() {
				return scanResult{}, 0, ErrNotDirectory
			}
			next := r.entry.startCluster()
			if next < clusterFirstData {
				return scanResult{}, 0, ErrNotDirectory
			}
			dirCluster = next
			continue
		}
		if isLast {
			return scanResult{found: false, freeOff: r.freeOff}, dirCluster, ErrNotFound
		}
		return scanResult{}, 0, ErrNotFound
	}
	return scanResult{}, 0, ErrInvalidPath
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DirEntry is the human-facing rendering of a directory entry, as
// returned by ListDir.
type DirEntry struct {
	Name         string
	IsDir        bool
	Size         uint32
	StartCluster uint16
}

func isRootPath(path string) bool {
	return path == "/" || path == ""
}

// ListDir lists path's immediate children (spec.md §4.10 list_dir).
func (s *Super) ListDir(path string) ([]DirEntry, error) {
	if isRootPath(path) {
		return s.listRegion(s.RootDirSector, (uint32(s.MaxRootEntries)*entrySize+uint32(s.BytesPerSector)-1)/uint32(s.BytesPerSector))
	}
	res, _, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !res.entry.isDir() {
		return nil, ErrNotDirectory
	}
	start := res.entry.startCluster()
	if start == 0 {
		return s.listRegion(s.RootDirSector, (uint32(s.MaxRootEntries)*entrySize+uint32(s.BytesPerSector)-1)/uint32(s.BytesPerSector))
	}
	var out []DirEntry
	cur := start
	for cur >= clusterFirstData && cur < clusterEOFMin {
		sector := s.clusterSector(cur)
		entries, done, err := s.listSectors(sector, uint32(s.SectorsPerCluster))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if done {
			break
		}
		next, err := s.readFATEntry(cur)
		if err != nil {
			return nil, err
		}
		if next == 0 || next >= clusterEOFMin {
			break
		}
		cur = next
	}
	return out, nil
}

func (s *Super) listRegion(startSector, sectorCount uint32) ([]DirEntry, error) {
	entries, _, err := s.listSectors(startSector, sectorCount)
	return entries, err
}

func (s *Super) listSectors(startSector, sectorCount uint32) ([]DirEntry, bool, error) {
	entriesPerSector := uint32(s.BytesPerSector) / entrySize
	buf := make([]byte, s.BytesPerSector)
	var out []DirEntry
	for sc := uint32(0); sc < sectorCount; sc++ {
		if err := s.readBytes((startSector+sc)*uint32(s.BytesPerSector), buf); err != nil {
			return nil, false, err
		}
		for e := uint32(0); e < entriesPerSector; e++ {
			off := e * entrySize
			var ent rawEntry
			copy(ent[:], buf[off:off+entrySize])
			if ent.isFree() {
				return out, true, nil
			}
			if ent.isDeleted() || ent.isVolumeLabel() {
				continue
			}
			name := displayName(ent.shortNameBytes())
			if name == "." || name == ".." {
				continue
			}
			out = append(out, DirEntry{
				Name:         name,
				IsDir:        ent.isDir(),
				Size:         ent.fileSize(),
				StartCluster: ent.startCluster(),
			})
		}
	}
	return out, false, nil
}

// IsDir reports whether path names a directory.
func (s *Super) IsDir(path string) bool {
	if isRootPath(path) {
		return true
	}
	res, _, err := s.resolvePath(path)
	if err != nil {
		return false
	}
	return res.entry.isDir()
}

// GetFileSize returns the size recorded in path's directory entry.
func (s *Super) GetFileSize(path string) (uint32, error) {
	res, _, err := s.resolvePath(path)
	if err != nil {
		return 0, err
	}
	return res.entry.fileSize(), nil
}

// ReadFile reads up to len(buf) bytes of path's contents into buf,
// returning the number of bytes actually copied (spec.md §4.10
// read_file).
func (s *Super) ReadFile(path string, buf []byte) (int, error) {
	res, _, err := s.resolvePath(path)
	if err != nil {
		return 0, err
	}
	size := res.entry.fileSize()
	if size == 0 {
		return 0, nil
	}
	start := res.entry.startCluster()
	if start < clusterFirstData {
		return 0, fmt.Errorf("fat16: %s has size %d but no start cluster", path, size)
	}
	want := size
	if uint32(len(buf)) < want {
		want = uint32(len(buf))
	}
	clusterBytes := s.clusterBytes()
	cbuf := make([]byte, clusterBytes)
	cur := start
	read := uint32(0)
	for cur >= clusterFirstData && cur < clusterEOFMin && read < want {
		sector := s.clusterSector(cur)
		if err := s.readBytes(sector*uint32(s.BytesPerSector), cbuf); err != nil {
			return int(read), err
		}
		n := want - read
		if n > clusterBytes {
			n = clusterBytes
		}
		copy(buf[read:], cbuf[:n])
		read += n
		next, err := s.readFATEntry(cur)
		if err != nil {
			return int(read), err
		}
		if next == 0 || next >= clusterEOFMin {
			break
		}
		cur = next
	}
	return int(read), nil
}

// CreateFile creates path as an empty file, truncating it if it
// already exists (spec.md §4.10).
func (s *Super) CreateFile(path string) error {
	res, _, err := s.resolvePath(path)
	if err == nil {
		if start := res.entry.startCluster(); start >= clusterFirstData {
			if err := s.freeChain(start); err != nil {
				return err
			}
		}
		ent := res.entry
		ent.setStartCluster(0)
		ent.setFileSize(0)
		return s.writeBytes(res.entryOff, ent[:])
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if res.freeOff == invalidOffset {
		return ErrNoFreeSlot
	}
	var ent rawEntry
	name := makeShortName(lastComponent(path))
	copy(ent[0:11], name[:])
	ent[11] = attrArchive
	return s.writeBytes(res.freeOff, ent[:])
}

// WriteFile overwrites path's contents with data, allocating
// ceil(len/cluster_bytes) clusters and freeing any prior chain
// (spec.md §4.10 write_file).
func (s *Super) WriteFile(path string, data []byte) error {
	res, _, err := s.resolvePath(path)
	var ent rawEntry
	var entryOff uint32
	switch {
	case err == nil:
		ent = res.entry
		entryOff = res.entryOff
		if old := ent.startCluster(); old >= clusterFirstData {
			if err := s.freeChain(old); err != nil {
				return err
			}
		}
	case errors.Is(err, ErrNotFound):
		if res.freeOff == invalidOffset {
			return ErrNoFreeSlot
		}
		name := makeShortName(lastComponent(path))
		copy(ent[0:11], name[:])
		ent[11] = attrArchive
		entryOff = res.freeOff
	default:
		return err
	}

	if len(data) == 0 {
		ent.setStartCluster(0)
		ent.setFileSize(0)
		return s.writeBytes(entryOff, ent[:])
	}

	clusterBytes := s.clusterBytes()
	need := uint16((uint32(len(data)) + clusterBytes - 1) / clusterBytes)
	start, err := s.allocateChain(need)
	if err != nil {
		return err
	}

	cbuf := make([]byte, clusterBytes)
	cur := start
	written := uint32(0)
	remaining := uint32(len(data))
	for cur >= clusterFirstData && cur < clusterEOFMin && remaining > 0 {
		take := remaining
		if take > clusterBytes {
			take = clusterBytes
		}
		copy(cbuf, data[written:written+take])
		for i := take; i < clusterBytes; i++ {
			cbuf[i] = 0
		}
		sector := s.clusterSector(cur)
		if err := s.writeBytes(sector*uint32(s.BytesPerSector), cbuf); err != nil {
			return err
		}
		written += take
		remaining -= take
		next, err := s.readFATEntry(cur)
		if err != nil {
			return err
		}
		if next == 0 || next >= clusterEOFMin {
			break
		}
		cur = next
	}

	ent.setStartCluster(start)
	ent.setFileSize(uint32(len(data)))
	return s.writeBytes(entryOff, ent[:])
}

func lastComponent(path string) string {
	comps := splitPath(path)
	if len(comps) == 0 {
		return path
	}
	return comps[len(comps)-1]
}
