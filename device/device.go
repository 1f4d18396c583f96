package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/irq"
	"github.com/ofsmmd/mmd/regs"
	"github.com/ofsmmd/mmd/vtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound       = errors.New("device not found")
	ErrImageNotLoaded = errors.New("accelerator image is not loaded")
	ErrInitFailed     = errors.New("device initialization failed")
	ErrNotReady       = errors.New("device is not ready")
	ErrClosed         = errors.New("device is closed")
	ErrInvalidOffset  = errors.New("offset is outside device memory")
)

type State int

const (
	StateDiscovered State = iota
	StateMapped
	StateDMAReady
	StateReprogramming
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateMapped:
		return "mapped"
	case StateDMAReady:
		return "dma-ready"
	case StateReprogramming:
		return "reprogramming"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Variant is the flavour of accelerator image loaded on the board.
type Variant int

const (
	VariantNone Variant = iota
	VariantPCI
	VariantSVM
)

func (v Variant) String() string {
	switch v {
	case VariantPCI:
		return "pci"
	case VariantSVM:
		return "svm"
	}
	return "none"
}

// StatusHandler reports completion of an asynchronous block operation.
type StatusHandler func(op any, err error)

// Device drives one accelerator board.
type Device struct {
	l        *logrus.Logger
	cfg      Config
	backend  Backend
	handle   int
	objectID uint64
	props    Properties

	portToken Token
	mmioToken Token
	port      Handle
	mmio      Handle

	// lock guards the lifecycle. Block operations hold it shared.
	lock       sync.RWMutex
	state      State
	space      regs.Space
	image      GUID
	variant    Variant
	ddrOffset  uint64
	mpfOffset  uint64
	numaNode   int
	translator *vtp.Service
	toDevice   *dma.Channel
	toHost     *dma.Channel
	bridge     *irq.Bridge

	handlerLock   sync.RWMutex
	statusHandler StatusHandler
	kernelHandler irq.Handler

	copyLock sync.Mutex
	copyBuf  []byte
}

// Discover locates the board with objectID, opens it and identifies the
// loaded image. The device is not ready for transfers until Initialize.
func Discover(l *logrus.Logger, cfg Config, backend Backend, handle int, objectID uint64) (d *Device, err error) {
	d = &Device{
		l:        l,
		cfg:      cfg,
		backend:  backend,
		handle:   handle,
		objectID: objectID,
		state:    StateDiscovered,
		numaNode: -1,
	}
	defer func() {
		if err != nil {
			_ = d.closeHandles()
		}
	}()

	if err = d.findPort(); err != nil {
		return nil, err
	}
	d.port, err = backend.Open(d.portToken)
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", d.BDF(), err)
	}

	if err = d.findWindow(); err != nil {
		return nil, err
	}
	d.mmio, err = backend.Open(d.mmioToken)
	if err != nil {
		return nil, fmt.Errorf("open register window %s: %w", d.BDF(), err)
	}

	if err = d.mapWindow(); err != nil {
		return nil, err
	}
	if err = d.readImage(); err != nil {
		return nil, err
	}

	l.WithFields(logrus.Fields{
		"handle":   handle,
		"name":     d.Name(),
		"bdf":      d.BDF(),
		"image":    d.image,
		"variant":  d.variant,
		"objectId": fmt.Sprintf("%#x", objectID),
	}).Info("Discovered accelerator")
	return d, nil
}

func (d *Device) findPort() error {
	for _, iface := range []Interface{InterfaceDFL, InterfaceSimDFL} {
		tokens, err := d.backend.Enumerate(NewFilter(iface, ObjectAccelerator))
		if err != nil {
			return fmt.Errorf("%w: enumerate %s: %w", ErrNotFound, iface, err)
		}
		for _, t := range tokens {
			p, err := t.Properties()
			if err != nil {
				d.l.WithError(err).WithField("interface", iface).Warn("Skipping token with unreadable properties")
				continue
			}
			if p.ObjectID == d.objectID {
				d.portToken = t
				d.props = p
				return nil
			}
		}
	}
	return fmt.Errorf("%w: object id %#x", ErrNotFound, d.objectID)
}

func (d *Device) findWindow() error {
	for _, iface := range []Interface{InterfaceVFIO, InterfaceSimVFIO} {
		f := NewFilter(iface, ObjectAccelerator)
		f.Bus = int(d.props.Bus)
		f.Device = int(d.props.Device)

		tokens, err := d.backend.Enumerate(f)
		if err != nil {
			return fmt.Errorf("%w: enumerate %s: %w", ErrNotFound, iface, err)
		}
		if len(tokens) > 0 {
			d.mmioToken = tokens[0]
			return nil
		}
	}
	return fmt.Errorf("%w: no register window for %s", ErrNotFound, d.BDF())
}

func (d *Device) findReconfigureTarget() (Token, error) {
	for _, iface := range []Interface{InterfaceDFL, InterfaceSimDFL} {
		f := NewFilter(iface, ObjectFPGA)
		f.Bus = int(d.props.Bus)
		f.Device = int(d.props.Device)
		f.Function = int(d.props.Function)

		tokens, err := d.backend.Enumerate(f)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", iface, err)
		}
		switch len(tokens) {
		case 0:
			continue
		case 1:
			return tokens[0], nil
		default:
			return nil, fmt.Errorf("found %d reconfiguration targets for %s, expected one", len(tokens), d.BDF())
		}
	}
	return nil, fmt.Errorf("%w: no reconfiguration target for %s", ErrNotFound, d.BDF())
}

func (d *Device) mapWindow() error {
	s, err := d.mmio.Map()
	if err != nil {
		return fmt.Errorf("map registers: %w", err)
	}
	d.space = s
	return nil
}

func (d *Device) readImage() error {
	g, err := readGUID(d.space, 0)
	if err != nil {
		return fmt.Errorf("read image id: %w", err)
	}

	d.image = g
	d.mpfOffset = MPFOffset
	switch g {
	case d.cfg.SVMImage:
		d.variant = VariantSVM
		d.ddrOffset = SVMMemoryOffset
	case d.cfg.PCIImage:
		d.variant = VariantPCI
		d.ddrOffset = 0
	default:
		d.variant = VariantNone
		d.ddrOffset = 0
	}
	return nil
}

func (d *Device) Handle() int {
	return d.handle
}

func (d *Device) ObjectID() uint64 {
	return d.objectID
}

func (d *Device) Name() string {
	return fmt.Sprintf("%s%x", d.cfg.NamePrefix, d.objectID)
}

func (d *Device) BDF() string {
	return fmt.Sprintf("%02x:%02x.%x", d.props.Bus, d.props.Device, d.props.Function)
}

func (d *Device) State() State {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.state
}

// ImageLoaded reports whether the board carries an image this package can
// drive.
func (d *Device) ImageLoaded() bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.variant != VariantNone
}

// Initialize brings the device to StateDMAReady. It does nothing if the
// device is already there.
func (d *Device) Initialize() (err error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch d.state {
	case StateDMAReady:
		return nil
	case StateClosed:
		return ErrClosed
	}

	defer func() {
		if err != nil {
			d.state = StateFailed
			err = fmt.Errorf("%w: %w", ErrInitFailed, err)
		}
	}()

	if d.space == nil {
		if err = d.mapWindow(); err != nil {
			return err
		}
	}
	d.state = StateMapped

	if err = d.port.Reset(); err != nil {
		return fmt.Errorf("reset accelerator: %w", err)
	}
	time.Sleep(d.cfg.ResetDelay)

	d.bindNUMA()

	return d.startEngines()
}

func (d *Device) startEngines() (err error) {
	toDeviceDFH, err := findFeature(d.space, 0, DMAFeatureGUID)
	if err != nil {
		return fmt.Errorf("locate host to device channel: %w", err)
	}
	// Both channels currently share one engine; the second search starts
	// where the first one matched.
	toHostDFH, err := findFeature(d.space, toDeviceDFH, DMAFeatureGUID)
	if err != nil {
		return fmt.Errorf("locate device to host channel: %w", err)
	}

	d.translator, err = d.backend.Connect(d.l, d.space, d.mpfOffset)
	if err != nil {
		return fmt.Errorf("connect translation engine: %w", err)
	}
	defer func() {
		if err != nil {
			_ = d.stopEngines()
		}
	}()

	d.toDevice, err = dma.NewChannel(d.l, dma.HostToDevice, d.space, d.translator, d.mmio, toDeviceDFH,
		d.channelOptions(dma.HostToDevice)...)
	if err != nil {
		return fmt.Errorf("create host to device channel: %w", err)
	}
	d.toHost, err = dma.NewChannel(d.l, dma.DeviceToHost, d.space, d.translator, d.mmio, toHostDFH,
		d.channelOptions(dma.DeviceToHost)...)
	if err != nil {
		return fmt.Errorf("create device to host channel: %w", err)
	}

	if d.bridge == nil {
		d.bridge, err = irq.NewBridge(d.l, d.space, d.mmio, d.cfg.Interrupts)
	} else {
		err = d.bridge.Enable(d.space)
	}
	if err != nil {
		return fmt.Errorf("enable kernel interrupts: %w", err)
	}

	d.applyHandlers()
	d.state = StateDMAReady

	d.l.WithFields(logrus.Fields{
		"handle":         d.handle,
		"toDeviceOffset": fmt.Sprintf("%#x", toDeviceDFH),
		"toHostOffset":   fmt.Sprintf("%#x", toHostDFH),
		"interruptMode":  d.cfg.Interrupts.Mode,
	}).Debug("DMA ready")
	return nil
}

func (d *Device) channelOptions(dir dma.Direction) []dma.Option {
	maxLen := d.cfg.DMA.MaxLengthToDevice
	if dir == dma.DeviceToHost {
		maxLen = d.cfg.DMA.MaxLengthToHost
	}
	return []dma.Option{
		dma.WithBufferSize(d.cfg.DMA.BufferSize),
		dma.WithPinThreshold(d.cfg.DMA.PinThreshold),
		dma.WithMaxDescriptorLength(maxLen),
		dma.WithInterruptTimeout(d.cfg.DMA.InterruptTimeout),
		dma.WithMagicTimeout(d.cfg.DMA.MagicTimeout),
		dma.WithMetrics(d.cfg.Metrics, fmt.Sprintf("dma.%d.%s", d.handle, dir)),
	}
}

// stopEngines disables kernel interrupts, closes both channels and
// disconnects the translation engine. Every pinned address is invalid
// afterwards.
func (d *Device) stopEngines() error {
	var errs []error
	if d.bridge != nil {
		errs = append(errs, d.bridge.Disable())
	}

	var g errgroup.Group
	for _, c := range []*dma.Channel{d.toDevice, d.toHost} {
		if c != nil {
			g.Go(c.Close)
		}
	}
	errs = append(errs, g.Wait())
	d.toDevice, d.toHost = nil, nil

	if d.translator != nil {
		errs = append(errs, d.translator.Disconnect())
		d.translator = nil
	}
	return errors.Join(errs...)
}

// ProgramBitstream loads image onto the board. All DMA state is rebuilt;
// addresses pinned before the call are invalid after it.
func (d *Device) ProgramBitstream(image []byte) (err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state == StateClosed {
		return ErrClosed
	}

	d.state = StateReprogramming
	defer func() {
		if err != nil {
			d.state = StateFailed
		}
	}()

	if err := d.stopEngines(); err != nil {
		d.l.WithError(err).WithField("handle", d.handle).Warn("Errors while stopping DMA for reprogramming")
	}

	target, err := d.findReconfigureTarget()
	if err != nil {
		return err
	}

	start := time.Now()
	if err = d.backend.Reconfigure(target, image); err != nil {
		return fmt.Errorf("reconfigure %s: %w", d.BDF(), err)
	}

	// Reconfiguration resets the accelerator, so the old window is stale.
	if err = d.mmio.Unmap(); err != nil {
		return fmt.Errorf("unmap registers: %w", err)
	}
	d.space = nil
	if err = d.mapWindow(); err != nil {
		return err
	}
	if err = d.readImage(); err != nil {
		return err
	}
	if d.variant == VariantNone {
		return fmt.Errorf("%w: unrecognised image %s", ErrImageNotLoaded, d.image)
	}

	if err = d.startEngines(); err != nil {
		return err
	}

	d.l.WithFields(logrus.Fields{
		"handle":   d.handle,
		"image":    d.image,
		"variant":  d.variant,
		"duration": time.Since(start),
	}).Info("Accelerator reprogrammed")
	return nil
}

// SetStatusHandler sets the function that reports asynchronous block
// operations.
func (d *Device) SetStatusHandler(fn StatusHandler) {
	d.handlerLock.Lock()
	d.statusHandler = fn
	d.handlerLock.Unlock()

	d.lock.RLock()
	d.applyHandlers()
	d.lock.RUnlock()
}

// SetInterruptHandler sets the function called on kernel completion.
func (d *Device) SetInterruptHandler(fn irq.Handler) {
	d.handlerLock.Lock()
	d.kernelHandler = fn
	d.handlerLock.Unlock()

	d.lock.RLock()
	d.applyHandlers()
	d.lock.RUnlock()
}

// applyHandlers pushes the registered handlers into the current channels and
// bridge. Must hold d.lock.
func (d *Device) applyHandlers() {
	d.handlerLock.RLock()
	defer d.handlerLock.RUnlock()

	var fn dma.StatusHandler
	if d.statusHandler != nil {
		fn = dma.StatusHandler(d.statusHandler)
	}
	for _, c := range []*dma.Channel{d.toDevice, d.toHost} {
		if c != nil {
			c.SetStatusHandler(fn)
		}
	}
	if d.bridge != nil {
		d.bridge.SetHandler(d.kernelHandler)
	}
}

func (d *Device) notify(op any, err error) {
	d.handlerLock.RLock()
	fn := d.statusHandler
	d.handlerLock.RUnlock()
	if fn == nil {
		d.l.WithField("handle", d.handle).Warn("Asynchronous operation completed with no status handler set")
		return
	}
	fn(op, err)
}

// Yield lets kernel completion be noticed when interrupts are not used.
func (d *Device) Yield() error {
	d.lock.RLock()
	b := d.bridge
	d.lock.RUnlock()
	if b == nil {
		return ErrNotReady
	}
	b.Yield()
	return nil
}

// Pin makes buf available to the device's DMA engine until Unpin.
func (d *Device) Pin(buf []byte) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.translator == nil {
		return ErrNotReady
	}
	_, err := d.translator.Prepare(buf)
	return err
}

func (d *Device) Unpin(buf []byte) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.translator == nil {
		return ErrNotReady
	}
	if len(buf) == 0 {
		return vtp.ErrEmpty
	}
	return d.translator.Release(uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))))
}

type Info struct {
	Name             string
	BDF              string
	ObjectID         uint64
	Image            GUID
	Variant          Variant
	MemoryOffset     uint64
	MemoryCapability bool
	NUMANode         int
	State            State
}

func (d *Device) Info() Info {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return Info{
		Name:             d.Name(),
		BDF:              d.BDF(),
		ObjectID:         d.objectID,
		Image:            d.image,
		Variant:          d.variant,
		MemoryOffset:     d.ddrOffset,
		MemoryCapability: d.variant == VariantSVM,
		NUMANode:         d.numaNode,
		State:            d.state,
	}
}

// DumpStats logs the translation engine counters.
func (d *Device) DumpStats() {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.translator == nil {
		d.l.WithField("handle", d.handle).Info("No translation engine connected")
		return
	}
	d.translator.LogStats()
}

// Close releases everything the device holds. The device cannot be used
// afterwards.
func (d *Device) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state == StateClosed {
		return nil
	}
	d.state = StateClosed

	errs := []error{d.stopEngines(), d.closeHandles()}
	d.bridge = nil
	d.l.WithField("handle", d.handle).Debug("Closed accelerator")
	return errors.Join(errs...)
}

func (d *Device) closeHandles() error {
	var errs []error
	if d.mmio != nil {
		errs = append(errs, d.mmio.Unmap(), d.mmio.Close())
		d.mmio = nil
	}
	if d.port != nil {
		errs = append(errs, d.port.Close())
		d.port = nil
	}
	d.space = nil
	return errors.Join(errs...)
}
