// Package vfs implements the backend-agnostic filesystem multiplexer
// of spec.md §4.10: a global handle table shared across tasks, with
// per-task fd tables (proc.TCB.Fds) indexing into it. Shaped after the
// teacher's fd/fd.go + fdops/fdops.go split between a thin per-fd
// handle and a backend-supplied operations table, trimmed to the one
// backend kind this core needs (a FAT16-shaped filesystem) instead of
// the teacher's full socket/pipe/device fdops surface.
package vfs

import (
	"errors"
	"sync"

	"github.com/nyx-project/nyxkernel/defs"
)

// MaxHandles bounds the global handle table (spec.md §3).
const MaxHandles = 2048

// Backend is the filesystem-operation surface a mounted filesystem
// must provide; NewFatBackend adapts a fat16.Super to it.
type Backend interface {
	ReadFile(path string, buf []byte) (int, error)
	WriteFile(path string, data []byte) error
	GetFileSize(path string) (uint32, error)
	IsDir(path string) bool
	ListDir(path string) ([]DirEntry, error)
}

// DirEntry mirrors fat16.DirEntry without importing that package,
// keeping vfs backend-agnostic.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint32
}

type file struct {
	path    string
	backend Backend
	buf     []byte
	bufSize uint32
	offset  uint32
	loaded  bool
	mode    int
}

// VFS is the process-wide multiplexer: backends register themselves in
// mount order, and Open tries each in turn (spec.md §4.10).
type VFS struct {
	mu       sync.Mutex
	backends []Backend
	handles  [MaxHandles]*file
}

func New() *VFS { return &VFS{} }

// Register adds a mounted backend, tried after any already registered
// (spec.md §4.10: "tries each registered backend in order").
func (v *VFS) Register(b Backend) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.backends = append(v.backends, b)
}

func (v *VFS) allocHandle(f *file) (int, defs.Err_t) {
	for i := range v.handles {
		if v.handles[i] == nil {
			v.handles[i] = f
			return i, 0
		}
	}
	return -1, defs.EMFILE
}

// Open resolves path against each registered backend in turn, caching
// the reported size but not the content (spec.md §4.10 open: "Lazy-open
// through active VFS backend; caches size, not content").
func (v *VFS) Open(path string, flags defs.OpenFlag) (int, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, b := range v.backends {
		size, err := b.GetFileSize(path)
		if err == nil {
			f := &file{path: path, backend: b, bufSize: size}
			return v.allocHandle(f)
		}
	}
	if flags&defs.O_CREAT == 0 {
		return -1, defs.ENOENT
	}
	for _, b := range v.backends {
		if err := b.WriteFile(path, nil); err == nil {
			f := &file{path: path, backend: b, bufSize: 0}
			return v.allocHandle(f)
		}
	}
	return -1, defs.ENOENT
}

func (v *VFS) get(handle int) (*file, defs.Err_t) {
	if handle < 0 || handle >= MaxHandles {
		return nil, defs.EBADF
	}
	v.mu.Lock()
	f := v.handles[handle]
	v.mu.Unlock()
	if f == nil {
		return nil, defs.EBADF
	}
	return f, 0
}

func (v *VFS) load(f *file) defs.Err_t {
	if f.loaded {
		return 0
	}
	f.buf = make([]byte, f.bufSize)
	n, err := f.backend.ReadFile(f.path, f.buf)
	if err != nil {
		return defs.EIO
	}
	f.buf = f.buf[:n]
	f.loaded = true
	return 0
}

// Read copies up to len(dst) bytes starting at the handle's cached
// offset, lazily loading the full file on first access (spec.md §3
// "VFS file"). Reading past size returns 0 with no error.
func (v *VFS) Read(handle int, dst []byte) (int, defs.Err_t) {
	f, errt := v.get(handle)
	if errt != 0 {
		return -1, errt
	}
	if errt := v.load(f); errt != 0 {
		return -1, errt
	}
	if f.offset >= f.bufSize {
		return 0, 0
	}
	n := copy(dst, f.buf[f.offset:])
	f.offset += uint32(n)
	return n, 0
}

// Write overwrites the entire backing file with data (spec.md §4.7:
// "fd≥3 → VFS backend write_file (truncating overwrite)").
func (v *VFS) Write(handle int, data []byte) (int, defs.Err_t) {
	f, errt := v.get(handle)
	if errt != 0 {
		return -1, errt
	}
	if err := f.backend.WriteFile(f.path, data); err != nil {
		return -1, defs.EIO
	}
	f.buf = append([]byte(nil), data...)
	f.bufSize = uint32(len(data))
	f.loaded = true
	f.offset = 0
	return len(data), 0
}

// Lseek updates the cached offset; no backend I/O occurs (spec.md §4.7).
func (v *VFS) Lseek(handle int, off int, whence int) (int, defs.Err_t) {
	f, errt := v.get(handle)
	if errt != 0 {
		return -1, errt
	}
	var base int64
	switch whence {
	case defs.SEEK_SET:
		base = 0
	case defs.SEEK_CUR:
		base = int64(f.offset)
	case defs.SEEK_END:
		base = int64(f.bufSize)
	default:
		return -1, defs.EINVAL
	}
	newOff := base + int64(off)
	if newOff < 0 {
		return -1, defs.EINVAL
	}
	f.offset = uint32(newOff)
	return int(f.offset), 0
}

// Fstat reports the minimum stat fields spec.md §4.7 requires: mode and
// size. Regular-file mode is reported; char-device mode for tty fds is
// the syscall layer's responsibility since those fds never reach vfs.
func (v *VFS) Fstat(handle int, mode *uint32, size *uint32) defs.Err_t {
	f, errt := v.get(handle)
	if errt != 0 {
		return errt
	}
	const sIFREG = 0o100000
	*mode = sIFREG
	if f.backend.IsDir(f.path) {
		const sIFDIR = 0o040000
		*mode = sIFDIR
	}
	*size = f.bufSize
	return 0
}

// Close releases the global handle; the caller is responsible for
// zeroing the owning task's per-fd slot (spec.md §4.7 close).
func (v *VFS) Close(handle int) defs.Err_t {
	if handle < 0 || handle >= MaxHandles {
		return defs.EBADF
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handles[handle] == nil {
		return defs.EBADF
	}
	v.handles[handle] = nil
	return 0
}

// ResolvePath reports whether path exists in any registered backend
// (ok) and, if so, whether it is a directory (isDir).
func (v *VFS) ResolvePath(path string) (isDir bool, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.backends {
		if _, err := b.GetFileSize(path); err == nil {
			return b.IsDir(path), true
		}
		if b.IsDir(path) {
			return true, true
		}
	}
	return false, false
}

// ListPath lists path's entries via the first backend that resolves it.
func (v *VFS) ListPath(path string) ([]DirEntry, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.backends {
		entries, err := b.ListDir(path)
		if err == nil {
			return entries, 0
		}
	}
	return nil, defs.ENOENT
}

var errAllRetriesFailed = errors.New("vfs: read_file_all exhausted retries")

// ReadFileAll reads the entirety of path, retrying up to three times
// to tolerate transient block-cache/device hiccups (spec.md §4.10,
// supplemented from original_source/'s inline vfs.c retry loop).
func (v *VFS) ReadFileAll(path string) ([]byte, error) {
	return retry3(func() ([]byte, error) {
		v.mu.Lock()
		backends := v.backends
		v.mu.Unlock()
		var lastErr error = errAllRetriesFailed
		for _, b := range backends {
			size, err := b.GetFileSize(path)
			if err != nil {
				lastErr = err
				continue
			}
			buf := make([]byte, size)
			n, err := b.ReadFile(path, buf)
			if err != nil {
				lastErr = err
				continue
			}
			return buf[:n], nil
		}
		return nil, lastErr
	})
}

func retry3(f func() ([]byte, error)) ([]byte, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var data []byte
		data, err = f()
		if err == nil {
			return data, nil
		}
	}
	return nil, err
}
