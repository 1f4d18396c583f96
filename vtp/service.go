package vtp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ofsmmd/mmd/regs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	dfhTypeShift = 60
	dfhTypeMask  = 0xf
	dfhTypeBBB   = 2

	pageSize     = 4 << 10
	hugePageSize = 2 << 20
	tlbEntries   = 64
)

var (
	ErrDisconnected = errors.New("translation service is disconnected")
	ErrNoEngine     = errors.New("no translation engine found at offset")
	ErrNotPinned    = errors.New("address is not pinned")
	ErrTranslation  = errors.New("address translation failed")
	ErrEmpty        = errors.New("cannot pin an empty buffer")
)

// Stats mirrors the counters the translation engine keeps for diagnostics.
type Stats struct {
	FailedTranslations uint64
	LastFailedAddr     uint64
	PTWalkCycles       uint64
	Hits4K             uint64
	Misses4K           uint64
	Hits2M             uint64
	Misses2M           uint64
	PinnedRegions      int
	PinnedBytes        uint64
}

type region struct {
	addr   uint64
	mem    []byte
	refs   int
	locked bool
}

func (r *region) contains(addr, n uint64) bool {
	return addr >= r.addr && addr+n <= r.addr+uint64(len(r.mem)) && addr+n >= addr
}

func (r *region) huge() bool {
	return len(r.mem) >= hugePageSize && r.addr%hugePageSize == 0
}

// Service pins host memory and translates it to device-visible addresses.
// The device sees host virtual addresses directly; a pinned region stays
// resident until its last reference is released or the service disconnects.
type Service struct {
	l          *logrus.Logger
	offset     uint64
	lockMemory bool

	lock      sync.RWMutex
	regions   []*region
	connected bool

	tlbLock sync.Mutex
	tlb     map[uint64]struct{}

	failed     atomic.Uint64
	lastFailed atomic.Uint64
	walks      atomic.Uint64
	hits4K     atomic.Uint64
	misses4K   atomic.Uint64
	hits2M     atomic.Uint64
	misses2M   atomic.Uint64
}

// Option can be passed to [Connect].
type Option func(*Service)

// WithMemoryLock controls whether pinned regions are also mlocked.
func WithMemoryLock(lock bool) Option {
	return func(s *Service) { s.lockMemory = lock }
}

// Connect attaches to the translation engine whose feature header lives at
// offset in space.
func Connect(l *logrus.Logger, space regs.Space, offset uint64, options ...Option) (*Service, error) {
	dfh, err := space.Read64(offset)
	if err != nil {
		return nil, fmt.Errorf("read translation engine header: %w", err)
	}
	if dfh == ^uint64(0) || (dfh>>dfhTypeShift)&dfhTypeMask != dfhTypeBBB {
		return nil, fmt.Errorf("%w %#x (header %#x)", ErrNoEngine, offset, dfh)
	}

	s := &Service{
		l:          l,
		offset:     offset,
		lockMemory: true,
		connected:  true,
		tlb:        make(map[uint64]struct{}, tlbEntries),
	}
	for _, o := range options {
		o(s)
	}

	l.WithField("offset", fmt.Sprintf("%#x", offset)).Debug("Connected to translation engine")
	return s, nil
}

func (s *Service) Offset() uint64 {
	return s.offset
}

func (s *Service) Connected() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.connected
}

// Prepare pins buf in place and returns its device-visible address. Pinning
// a buffer that lies inside an already pinned region takes another reference
// on that region.
func (s *Service) Prepare(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, ErrEmpty
	}
	addr := addressOf(buf)

	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.connected {
		return 0, ErrDisconnected
	}

	if r := s.find(addr, uint64(len(buf))); r != nil {
		r.refs++
		return addr, nil
	}

	r := &region{addr: addr, mem: buf, refs: 1}
	if s.lockMemory {
		if err := unix.Mlock(buf); err != nil {
			return 0, fmt.Errorf("mlock %d bytes: %w", len(buf), err)
		}
		r.locked = true
	}

	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].addr > addr })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return addr, nil
}

// Release drops one reference on the region holding iova. The region is
// unpinned when its last reference goes away.
func (s *Service) Release(iova uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.connected {
		return ErrDisconnected
	}

	i := s.index(iova)
	if i < 0 {
		return fmt.Errorf("%w: %#x", ErrNotPinned, iova)
	}
	r := s.regions[i]
	r.refs--
	if r.refs > 0 {
		return nil
	}

	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	s.flush()
	if r.locked {
		if err := unix.Munlock(r.mem); err != nil {
			return fmt.Errorf("munlock %#x: %w", r.addr, err)
		}
	}
	return nil
}

// Allocate maps size bytes (rounded up to a page) and pins them.
func (s *Service) Allocate(size int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, ErrEmpty
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	iova, err := s.Prepare(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, 0, err
	}
	return mem, iova, nil
}

// Free releases and unmaps memory returned by Allocate. The mapping is
// always removed, even if the service has already disconnected.
func (s *Service) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	err := s.Release(addressOf(mem))
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrNotPinned) {
		err = nil
	}
	return errors.Join(err, unix.Munmap(mem))
}

// Lookup resolves n bytes at iova to the pinned host memory backing them.
func (s *Service) Lookup(iova uint64, n uint64) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if !s.connected {
		return nil, ErrDisconnected
	}

	i := s.index(iova)
	if i < 0 || !s.regions[i].contains(iova, n) {
		s.failed.Add(1)
		s.lastFailed.Store(iova)
		return nil, fmt.Errorf("%w: %#x+%d", ErrTranslation, iova, n)
	}

	r := s.regions[i]
	s.touch(r, iova)
	off := iova - r.addr
	return r.mem[off : off+n], nil
}

// Disconnect invalidates every mapping. All later calls fail with
// ErrDisconnected and previously returned addresses must not be reused.
func (s *Service) Disconnect() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false

	var errs []error
	for _, r := range s.regions {
		if r.locked {
			if err := unix.Munlock(r.mem); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.regions = nil
	s.flush()

	s.l.WithField("offset", fmt.Sprintf("%#x", s.offset)).Debug("Disconnected from translation engine")
	return errors.Join(errs...)
}

func (s *Service) Stats() Stats {
	s.lock.RLock()
	st := Stats{PinnedRegions: len(s.regions)}
	for _, r := range s.regions {
		st.PinnedBytes += uint64(len(r.mem))
	}
	s.lock.RUnlock()

	st.FailedTranslations = s.failed.Load()
	st.LastFailedAddr = s.lastFailed.Load()
	st.PTWalkCycles = s.walks.Load()
	st.Hits4K = s.hits4K.Load()
	st.Misses4K = s.misses4K.Load()
	st.Hits2M = s.hits2M.Load()
	st.Misses2M = s.misses2M.Load()
	return st
}

// LogStats writes the translation counters at error level.
func (s *Service) LogStats() {
	st := s.Stats()
	s.l.WithFields(logrus.Fields{
		"failedTranslations": st.FailedTranslations,
		"lastFailedAddr":     fmt.Sprintf("%#x", st.LastFailedAddr),
		"ptWalkCycles":       st.PTWalkCycles,
		"hits4K":             st.Hits4K,
		"misses4K":           st.Misses4K,
		"hits2M":             st.Hits2M,
		"misses2M":           st.Misses2M,
		"pinnedRegions":      st.PinnedRegions,
		"pinnedBytes":        st.PinnedBytes,
	}).Error("Translation engine stats")
}

// index returns the region starting at addr if there is one, otherwise the
// first region containing it, otherwise -1. Must hold s.lock.
func (s *Service) index(addr uint64) int {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].addr > addr })
	// regions[:i] start at or below addr; prefer the closest start
	for j := i - 1; j >= 0; j-- {
		if s.regions[j].contains(addr, 1) {
			return j
		}
	}
	return -1
}

func (s *Service) find(addr, n uint64) *region {
	i := s.index(addr)
	if i < 0 || !s.regions[i].contains(addr, n) {
		return nil
	}
	return s.regions[i]
}

func (s *Service) touch(r *region, iova uint64) {
	size := uint64(pageSize)
	if r.huge() {
		size = hugePageSize
	}
	page := iova &^ (size - 1)

	s.tlbLock.Lock()
	defer s.tlbLock.Unlock()
	if _, ok := s.tlb[page]; ok {
		if r.huge() {
			s.hits2M.Add(1)
		} else {
			s.hits4K.Add(1)
		}
		return
	}

	s.walks.Add(1)
	if r.huge() {
		s.misses2M.Add(1)
	} else {
		s.misses4K.Add(1)
	}
	if len(s.tlb) >= tlbEntries {
		clear(s.tlb)
	}
	s.tlb[page] = struct{}{}
}

func (s *Service) flush() {
	s.tlbLock.Lock()
	clear(s.tlb)
	s.tlbLock.Unlock()
}

func addressOf(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}
