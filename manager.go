package mmd

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ofsmmd/mmd/bitstream"
	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/irq"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ProgramMode selects what Program does with device memory.
type ProgramMode int

const (
	ProgramPreserveGlobalMem ProgramMode = 1 << iota
)

type pinner interface {
	Pin(buf []byte) error
	Unpin(buf []byte) error
}

// Manager owns every open device and every host allocation shared with
// them. Handles are small positive integers, unique among open devices.
type Manager struct {
	l        *logrus.Logger
	settings *Settings
	backend  device.Backend
	decoder  bitstream.Decoder

	lock       sync.RWMutex
	devices    map[int]*device.Device
	byObject   map[uint64]int
	nextHandle int
	closed     bool

	// allocLock guards allocations and is held across a whole program
	// sequence so no allocation appears or vanishes between unpin and
	// re-pin. Taken before lock when both are needed.
	allocLock   sync.Mutex
	allocations map[uintptr]*allocation

	opens      metrics.Counter
	openErrors metrics.Counter
	programs   metrics.Counter
	allocBytes metrics.Counter
}

func NewManager(l *logrus.Logger, settings *Settings, backend device.Backend, decoder bitstream.Decoder) *Manager {
	if settings == nil {
		settings = DefaultSettings()
	}
	if decoder == nil {
		decoder = bitstream.Inflate{}
	}
	r := settings.Registry
	return &Manager{
		l:           l,
		settings:    settings,
		backend:     backend,
		decoder:     decoder,
		devices:     make(map[int]*device.Device),
		byObject:    make(map[uint64]int),
		nextHandle:  1,
		allocations: make(map[uintptr]*allocation),
		opens:       metrics.GetOrRegisterCounter("mmd.open", r),
		openErrors:  metrics.GetOrRegisterCounter("mmd.open.errors", r),
		programs:    metrics.GetOrRegisterCounter("mmd.program", r),
		allocBytes:  metrics.GetOrRegisterCounter("mmd.alloc.bytes", r),
	}
}

// ParseName returns the object id encoded in a board name.
func (m *Manager) ParseName(name string) (uint64, error) {
	prefix := m.settings.Device.NamePrefix
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return 0, fmt.Errorf("%w: board name %q", ErrInvalidParam, name)
	}
	id, err := strconv.ParseUint(name[len(prefix):], 16, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: board name %q", ErrInvalidParam, name)
	}
	return id, nil
}

// Open returns the handle of the named board, discovering and initializing
// it on first use. A board that has already been opened keeps its handle.
func (m *Manager) Open(name string) (handle int, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.l.WithField("name", name).WithField("panic", r).Error("Recovered from panic while opening device")
			handle, err = 0, fmt.Errorf("%w: %v", device.ErrInitFailed, r)
		}
		if err != nil {
			m.openErrors.Inc(1)
		}
	}()

	id, err := m.ParseName(name)
	if err != nil {
		return 0, err
	}
	d, err := m.getOrCreate(id)
	if err != nil {
		return 0, err
	}
	if !d.ImageLoaded() {
		return 0, fmt.Errorf("%w: %s", device.ErrImageNotLoaded, name)
	}
	if err := d.Initialize(); err != nil {
		return 0, err
	}

	m.opens.Inc(1)
	m.l.WithFields(logrus.Fields{"name": name, "handle": d.Handle()}).Info("Opened device")
	return d.Handle(), nil
}

func (m *Manager) getOrCreate(objectID uint64) (*device.Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if h, ok := m.byObject[objectID]; ok {
		return m.devices[h], nil
	}

	h := m.allocHandle()
	d, err := device.Discover(m.l, m.settings.Device, m.backend, h, objectID)
	if err != nil {
		return nil, err
	}
	m.devices[h] = d
	m.byObject[objectID] = h
	return d, nil
}

// allocHandle returns the next unused handle. Must hold lock.
func (m *Manager) allocHandle() int {
	for {
		h := m.nextHandle
		if m.nextHandle == math.MaxInt32 {
			m.nextHandle = 1
		} else {
			m.nextHandle++
		}
		if _, ok := m.devices[h]; !ok {
			return h
		}
	}
}

func (m *Manager) device(handle int) (*device.Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	d, ok := m.devices[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	return d, nil
}

// Close releases the device behind handle. Allocations shared with it stay
// mapped until freed.
func (m *Manager) Close(handle int) error {
	m.lock.Lock()
	d, ok := m.devices[handle]
	if ok {
		delete(m.devices, handle)
		delete(m.byObject, d.ObjectID())
	}
	m.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	return d.Close()
}

// CloseAll frees every allocation and then closes every device. The manager
// refuses new devices afterwards.
func (m *Manager) CloseAll() error {
	var errs []error

	m.allocLock.Lock()
	for addr := range m.allocations {
		errs = append(errs, m.freeLocked(addr))
	}
	m.allocLock.Unlock()

	m.lock.Lock()
	m.closed = true
	devices := m.devices
	m.devices = make(map[int]*device.Device)
	m.byObject = make(map[uint64]int)
	m.lock.Unlock()

	for _, d := range devices {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}

func (m *Manager) ReadBlock(handle int, op any, iface uint64, buf []byte, offset uint64) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	return d.ReadBlock(op, iface, buf, offset)
}

func (m *Manager) WriteBlock(handle int, op any, iface uint64, buf []byte, offset uint64) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	return d.WriteBlock(op, iface, buf, offset)
}

func (m *Manager) CopyBlock(handle int, op any, iface uint64, src, dst, size uint64) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	return d.CopyBlock(op, iface, src, dst, size)
}

func (m *Manager) SetStatusHandler(handle int, fn device.StatusHandler) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	d.SetStatusHandler(fn)
	return nil
}

func (m *Manager) SetInterruptHandler(handle int, fn irq.Handler) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	d.SetInterruptHandler(fn)
	return nil
}

func (m *Manager) Yield(handle int) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	return d.Yield()
}

func (m *Manager) Info(handle int) (device.Info, error) {
	d, err := m.device(handle)
	if err != nil {
		return device.Info{}, err
	}
	return d.Info(), nil
}

func (m *Manager) DumpStats(handle int) error {
	d, err := m.device(handle)
	if err != nil {
		return err
	}
	d.DumpStats()
	return nil
}

// Program loads the bitstream in container onto the device behind handle.
// Host allocations shared with the device are unpinned before and pinned
// again after, so they stay usable across the new image.
func (m *Manager) Program(handle int, container []byte, mode ProgramMode) (int, error) {
	if mode&ProgramPreserveGlobalMem == 0 {
		return 0, ErrUnsupportedProgramMode
	}
	d, err := m.device(handle)
	if err != nil {
		return 0, err
	}
	if err := m.program(d, container); err != nil {
		return 0, err
	}
	return handle, nil
}

// Reprogram loads container onto the named board without requiring its
// current image to be usable.
func (m *Manager) Reprogram(name string, container []byte) error {
	id, err := m.ParseName(name)
	if err != nil {
		return err
	}
	d, err := m.getOrCreate(id)
	if err != nil {
		return err
	}
	return m.program(d, container)
}

func (m *Manager) program(d *device.Device, container []byte) error {
	image, err := m.decoder.Decode(container)
	if err != nil {
		return fmt.Errorf("decode bitstream: %w", err)
	}

	m.allocLock.Lock()
	defer m.allocLock.Unlock()

	pinned := m.allocationsFor(d.Handle())
	if d.State() == device.StateDMAReady {
		m.unpin(d, pinned)
	}

	if err := d.ProgramBitstream(image); err != nil {
		return err
	}
	m.programs.Inc(1)

	if len(pinned) == 0 {
		return nil
	}
	if err := m.repin(d, pinned); err != nil {
		return err
	}
	m.l.WithFields(logrus.Fields{"handle": d.Handle(), "allocations": len(pinned)}).Debug("Re-pinned host allocations")
	return nil
}

// ImageLoaded reports whether the named board carries a usable image,
// without opening it.
func (m *Manager) ImageLoaded(name string) (bool, error) {
	id, err := m.ParseName(name)
	if err != nil {
		return false, err
	}
	boards, err := m.boards()
	if err != nil {
		return false, err
	}
	p, ok := boards[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", device.ErrNotFound, name)
	}
	return m.knownImage(p.GUID), nil
}

// BoardNames lists the boards that carry a usable image, separated by ';'.
func (m *Manager) BoardNames() (string, error) {
	boards, err := m.boards()
	if err != nil {
		return "", err
	}

	ids := make([]uint64, 0, len(boards))
	for id, p := range boards {
		if m.knownImage(p.GUID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = fmt.Sprintf("%s%x", m.settings.Device.NamePrefix, id)
	}
	return strings.Join(names, ";"), nil
}

func (m *Manager) knownImage(g device.GUID) bool {
	return g == m.settings.Device.PCIImage || g == m.settings.Device.SVMImage
}

// boards enumerates accelerator ports on both the hardware and simulated
// interfaces.
func (m *Manager) boards() (map[uint64]device.Properties, error) {
	out := make(map[uint64]device.Properties)
	for _, iface := range []device.Interface{device.InterfaceDFL, device.InterfaceSimDFL} {
		tokens, err := m.backend.Enumerate(device.NewFilter(iface, device.ObjectAccelerator))
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", iface, err)
		}
		for _, t := range tokens {
			p, err := t.Properties()
			if err != nil {
				m.l.WithError(err).WithField("interface", iface).Warn("Skipping token with unreadable properties")
				continue
			}
			if _, ok := out[p.ObjectID]; !ok {
				out[p.ObjectID] = p
			}
		}
	}
	return out, nil
}
