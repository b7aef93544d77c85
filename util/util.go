// Package util holds small arithmetic and byte-packing helpers shared by
// the mem (heap) and elf packages.
package util

import "encoding/binary"

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Rounddown returns the largest multiple of b that is <= v.
func Rounddown(v, b int) int {
	return v - (v % b)
}

// Roundup returns the smallest multiple of b that is >= v.
func Roundup(v, b int) int {
	return Rounddown(v+b-1, b)
}

func IsAligned(v, b int) bool {
	return v%b == 0
}

// Readn reads an n-byte (1, 2, 4, or 8) little-endian unsigned value out of
// a starting at off.
func Readn(a []uint8, n, off int) uint64 {
	switch n {
	case 1:
		return uint64(a[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(a[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(a[off:]))
	case 8:
		return binary.LittleEndian.Uint64(a[off:])
	default:
		panic("util.Readn: bad width")
	}
}

// Writen writes an n-byte little-endian value into a at off.
func Writen(a []uint8, n, off int, val uint64) {
	switch n {
	case 1:
		a[off] = uint8(val)
	case 2:
		binary.LittleEndian.PutUint16(a[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(a[off:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(a[off:], val)
	default:
		panic("util.Writen: bad width")
	}
}
