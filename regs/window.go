package regs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("register access out of range")
	ErrUnaligned  = errors.New("unaligned register access")
	ErrUnmapped   = errors.New("register window is not mapped")
)

// Space is a byte-addressed register window. Offsets are relative to the
// start of the window.
type Space interface {
	Read64(offset uint64) (uint64, error)
	Read32(offset uint64) (uint32, error)
	Write64(offset uint64, value uint64) error
	Write32(offset uint64, value uint32) error
}

// Window is a Space backed by a memory mapping. Every access is a single
// atomic load or store of the natural width.
type Window struct {
	mem    []byte
	mapped atomic.Bool
	owned  bool
}

// NewWindow wraps an existing mapping. The caller keeps ownership of mem.
func NewWindow(mem []byte) *Window {
	w := &Window{mem: mem}
	w.mapped.Store(true)
	return w
}

// MapAnonymous creates a zeroed, private anonymous mapping of size bytes.
func MapAnonymous(size int) (*Window, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap register window: %w", err)
	}
	w := &Window{mem: mem, owned: true}
	w.mapped.Store(true)
	return w, nil
}

func (w *Window) Len() int {
	return len(w.mem)
}

func (w *Window) Mapped() bool {
	return w.mapped.Load()
}

// Unmap invalidates the window. Accesses after Unmap fail with ErrUnmapped.
func (w *Window) Unmap() error {
	if !w.mapped.Swap(false) {
		return nil
	}
	if w.owned {
		return unix.Munmap(w.mem)
	}
	return nil
}

func (w *Window) check(offset uint64, width uint64) error {
	if !w.mapped.Load() {
		return ErrUnmapped
	}
	if offset%width != 0 {
		return fmt.Errorf("%w: offset %#x width %d", ErrUnaligned, offset, width)
	}
	if offset+width > uint64(len(w.mem)) || offset+width < offset {
		return fmt.Errorf("%w: offset %#x width %d window %#x", ErrOutOfRange, offset, width, len(w.mem))
	}
	return nil
}

func (w *Window) Read64(offset uint64) (uint64, error) {
	if err := w.check(offset, 8); err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&w.mem[offset]))), nil
}

func (w *Window) Read32(offset uint64) (uint32, error) {
	if err := w.check(offset, 4); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[offset]))), nil
}

func (w *Window) Write64(offset uint64, value uint64) error {
	if err := w.check(offset, 8); err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&w.mem[offset])), value)
	return nil
}

func (w *Window) Write32(offset uint64, value uint32) error {
	if err := w.check(offset, 4); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[offset])), value)
	return nil
}
