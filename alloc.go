package mmd

import (
	"errors"
	"fmt"
	"slices"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MemProperty is the first entry of an allocation property list.
type MemProperty int

const (
	MemPropertyGlobalMemory MemProperty = 1
	MemPropertyMemoryBank   MemProperty = 2
)

const (
	pageSize     = 4 << 10
	hugePageSize = 2 << 20
	maxAlignment = hugePageSize

	// MAP_HUGE_2MB, log2(2 MiB) in the huge page size bits of the flags.
	mapHuge2MB = 21 << unix.MAP_HUGE_SHIFT
)

// allocation is host memory shared with one or more devices.
type allocation struct {
	mem     []byte
	handles []int
	huge    bool
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// HostAlloc maps size bytes of host memory and pins it on every device in
// handles. The returned slice stays valid until Free.
func (m *Manager) HostAlloc(handles []int, size, alignment int, props ...MemProperty) ([]byte, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: no devices given", ErrInvalidHandle)
	}
	if alignment < 0 || alignment > maxAlignment || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlignment, alignment)
	}
	if len(props) > 0 && props[0] != MemPropertyGlobalMemory && props[0] != MemPropertyMemoryBank {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProperty, props[0])
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrOutOfMemory, size)
	}

	m.allocLock.Lock()
	defer m.allocLock.Unlock()

	devices := make([]pinner, 0, len(handles))
	for _, h := range handles {
		d, err := m.device(h)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	a, err := m.mapHost(size)
	if err != nil {
		return nil, err
	}
	a.handles = slices.Clone(handles)

	for i, d := range devices {
		if err := d.Pin(a.mem); err != nil {
			for _, p := range devices[:i] {
				if uerr := p.Unpin(a.mem); uerr != nil {
					m.l.WithError(uerr).Warn("Failed to unpin while rolling back an allocation")
				}
			}
			if uerr := unix.Munmap(a.mem); uerr != nil {
				m.l.WithError(uerr).Warn("Failed to unmap while rolling back an allocation")
			}
			return nil, fmt.Errorf("%w: pin on handle %d: %w", ErrOutOfMemory, handles[i], err)
		}
	}

	m.allocations[addressOf(a.mem)] = a
	m.allocBytes.Inc(int64(len(a.mem)))
	m.l.WithFields(logrus.Fields{
		"address": fmt.Sprintf("%#x", addressOf(a.mem)),
		"size":    len(a.mem),
		"huge":    a.huge,
		"handles": a.handles,
	}).Debug("Allocated host memory")
	return a.mem, nil
}

// SharedAlloc is HostAlloc for a single device.
func (m *Manager) SharedAlloc(handle int, size, alignment int, props ...MemProperty) ([]byte, error) {
	return m.HostAlloc([]int{handle}, size, alignment, props...)
}

// mapHost maps anonymous memory rounded up to the page size in use. Requests
// larger than one small page try huge pages first.
func (m *Manager) mapHost(size int) (*allocation, error) {
	flags := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE
	if m.settings.LockMemory {
		flags |= unix.MAP_LOCKED
	}
	prot := unix.PROT_READ | unix.PROT_WRITE

	if size > pageSize {
		size = roundUp(size, hugePageSize)
		if m.settings.HugePages {
			mem, err := unix.Mmap(-1, 0, size, prot, flags|unix.MAP_HUGETLB|mapHuge2MB)
			if err == nil {
				return &allocation{mem: mem, huge: true}, nil
			}
			if !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.EINVAL) {
				return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, size, err)
			}
			m.l.WithError(err).WithField("size", size).Warn("Allocation with 2M pages failed, using 4K pages instead")
		}
	} else {
		size = roundUp(size, pageSize)
	}

	mem, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, size, err)
	}
	return &allocation{mem: mem}, nil
}

// Free unpins mem from every device it was shared with and unmaps it. A nil
// or empty mem is a no-op. Devices closed since the allocation are skipped
// and reported after the memory is unmapped.
func (m *Manager) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	m.allocLock.Lock()
	defer m.allocLock.Unlock()
	return m.freeLocked(addressOf(mem))
}

func (m *Manager) freeLocked(addr uintptr) error {
	a, ok := m.allocations[addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidPointer, addr)
	}
	delete(m.allocations, addr)

	var errs []error
	for _, h := range a.handles {
		d, err := m.device(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Unpin(a.mem); err != nil {
			m.l.WithError(err).WithField("handle", h).Debug("Unpin during free failed")
		}
	}

	if err := unix.Munmap(a.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap %#x: %w", addr, err))
	}
	m.allocBytes.Dec(int64(len(a.mem)))
	return errors.Join(errs...)
}

// SharedMigrate validates a migration request. Shared allocations are
// already visible to the device, so nothing moves.
func (m *Manager) SharedMigrate(handle int, mem []byte, size int) error {
	if _, err := m.device(handle); err != nil {
		return err
	}
	if size <= 0 || (size%pageSize != 0 && size%hugePageSize != 0) {
		return fmt.Errorf("%w: %d", ErrInvalidMigrationSize, size)
	}

	m.allocLock.Lock()
	_, ok := m.allocations[addressOf(mem)]
	m.allocLock.Unlock()
	if len(mem) == 0 || !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidPointer, addressOf(mem))
	}
	return nil
}

// allocationsFor returns the allocations shared with handle. Must hold
// allocLock.
func (m *Manager) allocationsFor(handle int) []*allocation {
	var out []*allocation
	for _, a := range m.allocations {
		if slices.Contains(a.handles, handle) {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) unpin(d pinner, allocs []*allocation) {
	for _, a := range allocs {
		if err := d.Unpin(a.mem); err != nil {
			m.l.WithError(err).WithField("address", fmt.Sprintf("%#x", addressOf(a.mem))).Warn("Failed to unpin allocation")
		}
	}
}

// repin pins allocs on d again. Must hold allocLock.
func (m *Manager) repin(d pinner, allocs []*allocation) error {
	var errs []error
	for _, a := range allocs {
		if err := d.Pin(a.mem); err != nil {
			errs = append(errs, fmt.Errorf("re-pin %#x: %w", addressOf(a.mem), err))
		}
	}
	return errors.Join(errs...)
}

func roundUp(n, to int) int {
	if r := n % to; r != 0 {
		n += to - r
	}
	return n
}
