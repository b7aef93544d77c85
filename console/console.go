// Package console is the kernel's diagnostic sink: a printk facility
// mirrored (conceptually) to the serial UART at 0x3F8, grounded on
// cmd/hiveexplorer/logger/logger.go's slog-based pattern from the rest
// of the example pack — the teacher itself reaches for bare fmt.Printf,
// but this core's call sites (heap canary mismatches in mem, boot
// progress and failures in cmd/kernel) log leveled key-value records,
// so slog is the closer idiomatic fit (see DESIGN.md).
package console

import (
	"io"
	"log/slog"
	"sync"
)

var (
	mu  sync.Mutex
	log = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// Init points printk output at w (a serial-mirror writer in the real
// kernel; a buffer or os.Stdout in tests).
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func Printk(msg string, args ...any) {
	mu.Lock()
	l := log
	mu.Unlock()
	l.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	mu.Lock()
	l := log
	mu.Unlock()
	l.Warn(msg, args...)
}

// Fatal logs at Error level; spec.md §7 has FatalCpuException halt the
// machine after printing a diagnostic frame — the hosted core leaves
// the actual halt to the caller (cmd/kernel) since there's no hlt loop
// to drop into here.
func Fatal(msg string, args ...any) {
	mu.Lock()
	l := log
	mu.Unlock()
	l.Error(msg, args...)
}

// TTY models the character-device identity of fds 0/1/2 for isatty()
// and fstat() (spec.md §4.7).
type TTY struct {
	mu  sync.Mutex
	out io.Writer
	in  <-chan byte
}

func NewTTY(out io.Writer, in <-chan byte) *TTY {
	return &TTY{out: out, in: in}
}

// WriteChunks writes p to the console in <=1KiB chunks, matching the
// write() syscall's policy for fd 1/2 (spec.md §4.7).
func (t *TTY) WriteChunks(p []byte) int {
	const chunk = 1024
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for n < len(p) {
		end := n + chunk
		if end > len(p) {
			end = len(p)
		}
		w, _ := t.out.Write(p[n:end])
		n += w
		if w == 0 {
			break
		}
	}
	return n
}

// ReadLine blocks (via the supplied byte channel) for a keyboard line up
// to and including '\n', matching the read() syscall's fd 0 behavior
// (spec.md §4.7). checkpoint is called between bytes so a blocked
// reader remains preemptible/cooperative in the hosted scheduler model.
func (t *TTY) ReadLine(buf []byte, checkpoint func()) int {
	n := 0
	for n < len(buf) {
		b, ok := <-t.in
		if !ok {
			break
		}
		buf[n] = b
		n++
		if b == '\n' {
			break
		}
		if checkpoint != nil {
			checkpoint()
		}
	}
	return n
}
