// Package image builds a FAT16 disk image from a skeleton directory,
// the formatting counterpart to fat16.Mount. The teacher's mkfs/mkfs.go
// delegates actual formatting to an external mkDisk step and only
// drives the result through a BootFS sanity check; this package
// supplies the formatting logic that stub never carried, grounded on
// original_source/src/kernel/fs/fat/fat16.c's BPB field layout (the
// same offsets fat16.Mount parses) so a built image round-trips
// through this core's own reader.
package image

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	sectorSize        = 512
	sectorsPerCluster = 1
	reservedSectors   = 1
	numFATs           = 2
	maxRootEntries    = 512
	entrySize         = 32
	clusterFirstData  = 2
	clusterEOF        = 0xFFFF
	attrDirectory     = 0x10
	attrArchive       = 0x20
)

// Options controls image geometry; zero values take the defaults above.
type Options struct {
	TotalSectors uint32 // total image size in sectors; 0 picks a size that fits SkelDir plus headroom
}

// Build formats a FAT16 image at outPath sized per opts and copies
// every regular file found directly under skelDir into the image root
// (mkfs.go's "<output image> <skel dir>" arguments, spec.md §4.10's
// assumption that a filesystem exists to mount).
func Build(outPath, skelDir string, opts Options) error {
	files, err := readSkelFiles(skelDir)
	if err != nil {
		return err
	}

	rootDirSectors := (maxRootEntries*entrySize + sectorSize - 1) / sectorSize
	clusterBytes := uint32(sectorSize * sectorsPerCluster)

	needClusters := uint32(0)
	for _, f := range files {
		needClusters += (uint32(len(f.data)) + clusterBytes - 1) / clusterBytes
		if len(f.data) == 0 {
			needClusters++
		}
	}
	// Leave headroom so allocateChain never starves on a freshly built image.
	totalClusters := needClusters + 64
	fatSectors := uint16((uint32(totalClusters+clusterFirstData)*2 + sectorSize - 1) / sectorSize)

	firstDataSector := uint32(reservedSectors) + uint32(numFATs)*uint32(fatSectors) + uint32(rootDirSectors)
	totalSectors := opts.TotalSectors
	minSectors := firstDataSector + totalClusters*uint32(sectorsPerCluster)
	if totalSectors < minSectors {
		totalSectors = minSectors
	}

	img := make([]byte, uint64(totalSectors)*sectorSize)
	writeBPB(img, totalSectors, fatSectors)

	fat := make([]byte, uint32(fatSectors)*sectorSize)
	putFATEntry(fat, 0, 0xFFF8)
	putFATEntry(fat, 1, clusterEOF)

	root := make([]byte, rootDirSectors*sectorSize)

	nextCluster := uint16(clusterFirstData)
	for i, f := range files {
		if i >= maxRootEntries-1 {
			return fmt.Errorf("image: skeleton directory %s has more than %d files", skelDir, maxRootEntries-1)
		}
		start := nextCluster
		cur := start
		remaining := f.data
		for {
			chunk := remaining
			if uint32(len(chunk)) > clusterBytes {
				chunk = remaining[:clusterBytes]
			}
			off := firstDataSector*sectorSize + uint32(cur-clusterFirstData)*clusterBytes
			copy(img[off:off+clusterBytes], chunk)
			remaining = remaining[len(chunk):]
			if len(remaining) == 0 {
				putFATEntry(fat, cur, clusterEOF)
				break
			}
			next := cur + 1
			putFATEntry(fat, cur, next)
			cur = next
		}
		nextCluster = cur + 1

		writeDirEntry(root, i, f.name, start, uint32(len(f.data)))
	}

	fatRegionStart := uint32(reservedSectors) * sectorSize
	for i := 0; i < numFATs; i++ {
		copy(img[fatRegionStart+uint32(i)*uint32(fatSectors)*sectorSize:], fat)
	}
	rootStart := fatRegionStart + uint32(numFATs)*uint32(fatSectors)*sectorSize
	copy(img[rootStart:], root)

	return os.WriteFile(outPath, img, 0o644)
}

type skelFile struct {
	name string
	data []byte
}

func readSkelFiles(dir string) ([]skelFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("image: read skeleton dir: %w", err)
	}
	var out []skelFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("image: read %s: %w", e.Name(), err)
		}
		out = append(out, skelFile{name: e.Name(), data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func writeBPB(img []byte, totalSectors uint32, fatSectors uint16) {
	binary.LittleEndian.PutUint16(img[11:13], sectorSize)
	img[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(img[14:16], reservedSectors)
	img[16] = numFATs
	binary.LittleEndian.PutUint16(img[17:19], maxRootEntries)
	if totalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(img[19:21], uint16(totalSectors))
	} else {
		binary.LittleEndian.PutUint32(img[32:36], totalSectors)
	}
	binary.LittleEndian.PutUint16(img[22:24], fatSectors)
	img[21] = 0xF8 // media descriptor: fixed disk
}

func putFATEntry(fat []byte, cluster uint16, value uint16) {
	off := int(cluster) * 2
	binary.LittleEndian.PutUint16(fat[off:off+2], value)
}

func writeDirEntry(root []byte, slot int, name string, startCluster uint16, size uint32) {
	off := slot * entrySize
	shortName := makeShortName(name)
	copy(root[off:off+11], shortName[:])
	root[off+11] = attrArchive
	binary.LittleEndian.PutUint16(root[off+26:off+28], startCluster)
	binary.LittleEndian.PutUint32(root[off+28:off+32], size)
}

// makeShortName derives an 8.3 uppercase shortname the same way
// fat16.go's reader expects to find one on disk.
func makeShortName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := name, ""
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	for i := 0; i < len(base) && i < 8; i++ {
		out[i] = upper(base[i])
	}
	for i := 0; i < len(ext) && i < 3; i++ {
		out[8+i] = upper(ext[i])
	}
	return out
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
