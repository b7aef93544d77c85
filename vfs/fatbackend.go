package vfs

import "github.com/nyx-project/nyxkernel/fat16"

// fatBackend adapts a mounted fat16.Super to the Backend interface,
// translating fat16.DirEntry into the backend-agnostic DirEntry shape.
type fatBackend struct {
	sb *fat16.Super
}

// NewFatBackend wraps sb so it can be registered with a VFS.
func NewFatBackend(sb *fat16.Super) Backend {
	return &fatBackend{sb: sb}
}

func (f *fatBackend) ReadFile(path string, buf []byte) (int, error) {
	return f.sb.ReadFile(path, buf)
}

func (f *fatBackend) WriteFile(path string, data []byte) error {
	return f.sb.WriteFile(path, data)
}

func (f *fatBackend) GetFileSize(path string) (uint32, error) {
	return f.sb.GetFileSize(path)
}

func (f *fatBackend) IsDir(path string) bool {
	return f.sb.IsDir(path)
}

func (f *fatBackend) ListDir(path string) ([]DirEntry, error) {
	entries, err := f.sb.ListDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size}
	}
	return out, nil
}
