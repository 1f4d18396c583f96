// Package sim is a software model of an accelerator board: enumeration,
// register window, DMA engine, interrupts and reconfiguration. It stands in
// for the platform driver stack under simulation and in tests.
package sim

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/ofsmmd/mmd/vtp"
	"github.com/sirupsen/logrus"
	gvisor "gvisor.dev/gvisor/pkg/eventfd"
)

const (
	WindowSize = 0x40000
	DMAOffset  = 0x20000
	MPFOffset  = 0x24000

	// Offsets of the DMA engine registers the model reacts to.
	hostToDeviceLen = DMAOffset + 0x80 + 0x10
	deviceToHostLen = DMAOffset + 0x100 + 0x10
	writeFenceCSR   = DMAOffset + 0x30

	// Descriptor source and destination sit below the length register.
	srcBelowLen = 0x10
	dstBelowLen = 0x8

	IRQMaskCSR = 0x108
	KernelLine = 1
	defaultDDR = 16 << 20
)

var (
	MPFFeatureGUID = device.MustParseGUID("c8a2982f-ff96-42bf-a705-45727f501901")
	EmptyImageGUID = device.MustParseGUID("00000000-0000-0000-0000-0000000000ff")

	ErrInjected = errors.New("injected failure")
)

type Option func(*Board)

func WithObjectID(id uint64) Option {
	return func(b *Board) { b.objectID = id }
}

func WithBDF(bus, dev, fn uint8) Option {
	return func(b *Board) { b.bus, b.dev, b.fn = bus, dev, fn }
}

// WithImage sets the identifier of the image loaded at power on.
func WithImage(g device.GUID) Option {
	return func(b *Board) { b.image = g }
}

func WithMemorySize(n int) Option {
	return func(b *Board) { b.ddrSize = n }
}

// WithSimulatedInterfaces enumerates the board through the simulated
// interfaces instead of the hardware ones.
func WithSimulatedInterfaces() Option {
	return func(b *Board) { b.simulated = true }
}

func WithLogger(l *logrus.Logger) Option {
	return func(b *Board) { b.l = l }
}

// Board models one accelerator card.
type Board struct {
	l         *logrus.Logger
	objectID  uint64
	bus       uint8
	dev       uint8
	fn        uint8
	simulated bool
	ddrSize   int

	lock       sync.Mutex
	mem        []byte
	view       *regs.Window
	image      device.GUID
	ddr        []byte
	translator *vtp.Service
	lines      map[int]*line
	pending    bool
	failWrites map[uint64]bool
	failReset  error
	failReconf error
	delay      time.Duration
	lengths    [2][]uint64

	descriptors     [2]atomic.Uint64
	dropInterrupts  atomic.Bool
	resets          atomic.Int64
	reconfigures    atomic.Int64
	kernelIRQs      atomic.Int64
	openHandles     atomic.Int64
	registeredLines atomic.Int64
}

func NewBoard(options ...Option) *Board {
	b := &Board{
		objectID:   0x1,
		bus:        0x3b,
		ddrSize:    defaultDDR,
		image:      device.DefaultPCIImageGUID,
		lines:      make(map[int]*line),
		failWrites: make(map[uint64]bool),
	}
	for _, o := range options {
		o(b)
	}
	if b.l == nil {
		b.l = logrus.New()
	}
	b.mem = make([]byte, WindowSize)
	b.view = regs.NewWindow(b.mem)
	b.ddr = make([]byte, b.ddrSize)
	b.writeHeaders()
	return b
}

func (b *Board) ObjectID() uint64 {
	return b.objectID
}

// Memory is the board's device memory.
func (b *Board) Memory() []byte {
	return b.ddr
}

func (b *Board) Image() device.GUID {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.image
}

// Descriptors is the number of descriptors the DMA engine executed in dir.
func (b *Board) Descriptors(dir dma.Direction) uint64 {
	return b.descriptors[dir].Load()
}

// DescriptorLengths returns the length of every descriptor executed in dir,
// in execution order.
func (b *Board) DescriptorLengths(dir dma.Direction) []uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return slices.Clone(b.lengths[dir])
}

func (b *Board) Resets() int64 {
	return b.resets.Load()
}

func (b *Board) Reconfigurations() int64 {
	return b.reconfigures.Load()
}

// OpenHandles is the number of handles opened and not yet closed.
func (b *Board) OpenHandles() int64 {
	return b.openHandles.Load()
}

// RegisteredLines is the number of interrupt lines currently registered.
func (b *Board) RegisteredLines() int64 {
	return b.registeredLines.Load()
}

// Translator is the translation service most recently connected.
func (b *Board) Translator() *vtp.Service {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.translator
}

// DropInterrupts stops the DMA engine from signalling completion interrupts.
func (b *Board) DropInterrupts(drop bool) {
	b.dropInterrupts.Store(drop)
}

// FailWrites makes register writes at offset fail.
func (b *Board) FailWrites(offset uint64, fail bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if fail {
		b.failWrites[offset] = true
	} else {
		delete(b.failWrites, offset)
	}
}

func (b *Board) FailReset(err error) {
	b.lock.Lock()
	b.failReset = err
	b.lock.Unlock()
}

func (b *Board) FailReconfigure(err error) {
	b.lock.Lock()
	b.failReconf = err
	b.lock.Unlock()
}

// SetCompletionDelay makes the DMA engine finish descriptors asynchronously
// after d.
func (b *Board) SetCompletionDelay(d time.Duration) {
	b.lock.Lock()
	b.delay = d
	b.lock.Unlock()
}

// Space returns a fresh mapping of the register window.
func (b *Board) Space() regs.Space {
	return &space{b: b, w: regs.NewWindow(b.mem)}
}

// RaiseKernelInterrupt signals the kernel interrupt line, or latches it until
// the interrupt is unmasked.
func (b *Board) RaiseKernelInterrupt() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.kernelIRQs.Add(1)
	if b.maskValue() != 1 {
		b.pending = true
		return
	}
	b.notify(KernelLine)
}

// Connect attaches a translation service to the board's register window.
func (b *Board) Connect(l *logrus.Logger, s regs.Space, offset uint64) (*vtp.Service, error) {
	t, err := vtp.Connect(l, s, offset, vtp.WithMemoryLock(false))
	if err != nil {
		return nil, err
	}
	b.lock.Lock()
	b.translator = t
	b.lock.Unlock()
	return t, nil
}

// RegisterInterrupt hands out a waitable handle for line.
func (b *Board) RegisterInterrupt(n int) (eventfd.Handle, error) {
	efd, err := gvisor.Create()
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	ln := &line{b: b, n: n, efd: efd}

	b.lock.Lock()
	b.lines[n] = ln
	b.lock.Unlock()
	b.registeredLines.Add(1)
	return ln, nil
}

func (b *Board) writeHeaders() {
	w := b.view
	put := func(offset uint64, h uint64, g device.GUID) {
		lo, hi := g.Halves()
		_ = w.Write64(offset, h)
		_ = w.Write64(offset+8, lo)
		_ = w.Write64(offset+16, hi)
	}
	put(0, device.EncodeHeader(device.FeatureAFU, DMAOffset, false), b.image)
	put(DMAOffset, device.EncodeHeader(device.FeatureBBB, MPFOffset-DMAOffset, false), device.DMAFeatureGUID)
	put(MPFOffset, device.EncodeHeader(device.FeatureBBB, 0, true), MPFFeatureGUID)
}

func (b *Board) maskValue() uint32 {
	v, _ := b.view.Read32(IRQMaskCSR)
	return v
}

func (b *Board) reg(offset uint64) uint64 {
	v, _ := b.view.Read64(offset)
	return v
}

// notify signals line. Must hold b.lock.
func (b *Board) notify(n int) {
	ln, ok := b.lines[n]
	if !ok {
		return
	}
	if err := ln.efd.Notify(); err != nil {
		b.l.WithError(err).WithField("line", n).Error("Failed to signal interrupt line")
	}
}

func (b *Board) writeFailed(offset uint64) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.failWrites[offset]
}

func (b *Board) onWrite(offset uint64) {
	switch offset {
	case hostToDeviceLen:
		b.descriptor(dma.HostToDevice, offset)
	case deviceToHostLen:
		b.descriptor(dma.DeviceToHost, offset)
	case IRQMaskCSR:
		b.lock.Lock()
		if b.maskValue() == 1 && b.pending {
			b.pending = false
			b.notify(KernelLine)
		}
		b.lock.Unlock()
	}
}

func (b *Board) descriptor(dir dma.Direction, lenOffset uint64) {
	b.lock.Lock()
	src := b.reg(lenOffset - srcBelowLen)
	dst := b.reg(lenOffset - dstBelowLen)
	n := b.reg(lenOffset)
	fence := b.reg(writeFenceCSR)
	delay := b.delay
	b.lock.Unlock()

	run := func() {
		b.execute(dir, src, dst, n, fence)
	}
	if delay > 0 {
		time.AfterFunc(delay, run)
		return
	}
	run()
}

func (b *Board) execute(dir dma.Direction, src, dst, n, fence uint64) {
	b.lock.Lock()
	b.lengths[dir] = append(b.lengths[dir], n)
	b.lock.Unlock()
	b.descriptors[dir].Add(1)

	t := b.Translator()
	if t == nil {
		b.l.WithField("direction", dir).Error("DMA descriptor with no translation service attached")
		return
	}

	var err error
	if dir == dma.HostToDevice {
		err = b.hostToDevice(t, src, dst, n)
	} else {
		err = b.deviceToHost(t, src, dst, n)
	}
	if err != nil {
		// A faulting engine never completes; the host sees a timeout.
		b.l.WithError(err).WithField("direction", dir).Error("DMA descriptor faulted")
		return
	}

	if dir == dma.HostToDevice {
		if b.dropInterrupts.Load() {
			return
		}
		b.lock.Lock()
		b.notify(dma.HostToDeviceLine)
		b.lock.Unlock()
		return
	}

	f, err := t.Lookup(fence, 8)
	if err != nil {
		b.l.WithError(err).Error("Write fence is not mapped")
		return
	}
	storeMagic(f)
}

func (b *Board) hostToDevice(t *vtp.Service, src, dst, n uint64) error {
	host, err := t.Lookup(src, n)
	if err != nil {
		return err
	}
	if dst+n > uint64(len(b.ddr)) || dst+n < dst {
		return fmt.Errorf("device address %#x+%d out of range", dst, n)
	}
	copy(b.ddr[dst:dst+n], host)
	return nil
}

func (b *Board) deviceToHost(t *vtp.Service, src, dst, n uint64) error {
	host, err := t.Lookup(dst, n)
	if err != nil {
		return err
	}
	if src+n > uint64(len(b.ddr)) || src+n < src {
		return fmt.Errorf("device address %#x+%d out of range", src, n)
	}
	copy(host, b.ddr[src:src+n])
	return nil
}

type line struct {
	b      *Board
	n      int
	efd    gvisor.Eventfd
	closed atomic.Bool
}

func (ln *line) FD() int {
	return ln.efd.FD()
}

func (ln *line) Close() error {
	if ln.closed.Swap(true) {
		return nil
	}
	ln.b.lock.Lock()
	if ln.b.lines[ln.n] == ln {
		delete(ln.b.lines, ln.n)
	}
	ln.b.lock.Unlock()
	ln.b.registeredLines.Add(-1)
	return ln.efd.Close()
}

func storeMagic(fence []byte) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(unsafe.SliceData(fence))), dma.MagicNumber)
}
