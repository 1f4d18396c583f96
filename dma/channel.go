package dma

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Channel register blocks, relative to the DMA feature header.
	hostToDeviceBase = 0x80
	deviceToHostBase = 0x100
	writeFenceCSR    = 0x30

	// Descriptor registers, relative to a channel register block.
	srcOffset = 0x0
	dstOffset = 0x8
	lenOffset = 0x10

	fenceSize = 4 << 10

	// HostToDeviceLine is the completion interrupt of the host to device engine.
	HostToDeviceLine = 0
	// DeviceToHostLine is reserved; device to host completion uses the magic number.
	DeviceToHostLine = 2

	// MagicNumber is written by the device to the write-fence buffer when a
	// device to host descriptor completes.
	MagicNumber uint64 = 0x5772745F53796E63

	// DescriptorAlignment is the granularity of descriptor length limits.
	DescriptorAlignment = 64

	DefaultBufferSize       = 2 << 20
	DefaultInterruptTimeout = 10 * time.Second
)

var (
	ErrClosed  = errors.New("dma channel is closed")
	ErrTimeout = errors.New("dma transfer timed out")
)

// statusRegisters are dumped, relative to the channel register block, when a
// transfer times out.
var statusRegisters = []struct {
	offset uint64
	name   string
}{
	{0x18, "cmdq"},
	{0x20, "data"},
	{0x28, "config"},
	{0x30, "status"},
	{0x38, "burst_cnt"},
	{0x40, "read_valid_cnt"},
	{0x48, "magic_num_cnt"},
	{0x50, "wrdata_cnt"},
	{0x58, "status2"},
}

// Direction is the way data moves through a channel.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "host_to_device"
	case DeviceToHost:
		return "device_to_host"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Completion is how the device reports that a descriptor finished.
type Completion int

const (
	// CompletionInterrupt waits on the channel's completion interrupt line.
	CompletionInterrupt Completion = iota
	// CompletionMagic spins on the write fence until the device stores MagicNumber.
	CompletionMagic
)

// Pinner pins host memory for device access.
type Pinner interface {
	Prepare(buf []byte) (uint64, error)
	Release(iova uint64) error
	Allocate(size int) ([]byte, uint64, error)
	Free(mem []byte) error
	LogStats()
}

// StatusHandler is called from the channel worker once per asynchronous
// transfer, after the device has finished it. err is nil on success.
type StatusHandler func(op any, err error)

type workItem struct {
	op     any
	host   []byte
	device uint64
	result chan error
}

// Channel moves data in one direction between host memory and device memory.
// Transfers are executed in submission order by a single worker.
type Channel struct {
	l          *logrus.Logger
	dir        Direction
	completion Completion
	space      regs.Space
	pinner     Pinner
	dfh        uint64
	base       uint64

	threshold        int
	maxLength        uint64
	interruptTimeout time.Duration
	magicTimeout     time.Duration

	waiter    *eventfd.Waiter
	buf       []byte
	bufIOVA   uint64
	fence     []byte
	fenceIOVA uint64

	// submitLock keeps one descriptor in flight at a time.
	submitLock sync.Mutex

	queueLock sync.Mutex
	notify    *sync.Cond
	queue     []*workItem
	active    atomic.Bool
	done      chan struct{}
	workerTID atomic.Int64

	handlerLock sync.RWMutex
	handler     StatusHandler

	transactions atomic.Uint64
	metrics      *channelMetrics
}

// NewChannel builds a channel for the DMA engine whose feature header is at
// dfhOffset and starts its worker. Host to device channels complete through
// an interrupt, device to host channels through the magic number.
func NewChannel(l *logrus.Logger, dir Direction, space regs.Space, pinner Pinner, events eventfd.Source, dfhOffset uint64, options ...Option) (c *Channel, err error) {
	opts := optionDefaults(dir)
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, err
	}
	if opts.pinThreshold > opts.bufferSize {
		l.WithFields(logrus.Fields{"threshold": opts.pinThreshold, "bufferSize": opts.bufferSize}).
			Warn("Pin threshold exceeds the bounce buffer, clamping")
		opts.pinThreshold = opts.bufferSize
	}

	c = &Channel{
		l:                l,
		dir:              dir,
		space:            space,
		pinner:           pinner,
		dfh:              dfhOffset,
		threshold:        opts.pinThreshold,
		maxLength:        opts.maxLength,
		interruptTimeout: opts.interruptTimeout,
		magicTimeout:     opts.magicTimeout,
		done:             make(chan struct{}),
		metrics:          newChannelMetrics(opts.registry, opts.metricsPrefix),
	}
	c.notify = sync.NewCond(&c.queueLock)

	if dir == HostToDevice {
		c.base = dfhOffset + hostToDeviceBase
		c.completion = CompletionInterrupt
	} else {
		c.base = dfhOffset + deviceToHostBase
		c.completion = CompletionMagic
	}

	defer func() {
		if err != nil {
			_ = c.freeResources()
		}
	}()

	if c.completion == CompletionInterrupt {
		var h eventfd.Handle
		h, err = events.RegisterInterrupt(opts.interruptLine)
		if err != nil {
			return nil, fmt.Errorf("register interrupt line %d: %w", opts.interruptLine, err)
		}
		c.waiter, err = eventfd.NewWaiter(h)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	c.buf, c.bufIOVA, err = pinner.Allocate(opts.bufferSize)
	if err != nil {
		return nil, fmt.Errorf("allocate bounce buffer: %w", err)
	}

	if c.completion == CompletionMagic {
		c.fence, c.fenceIOVA, err = pinner.Allocate(fenceSize)
		if err != nil {
			return nil, fmt.Errorf("allocate write fence: %w", err)
		}
		if err = space.Write64(dfhOffset+writeFenceCSR, c.fenceIOVA); err != nil {
			return nil, fmt.Errorf("program write fence: %w", err)
		}
	}

	c.active.Store(true)
	go c.work()

	l.WithFields(logrus.Fields{
		"direction":  dir,
		"dfhOffset":  fmt.Sprintf("%#x", dfhOffset),
		"threshold":  c.threshold,
		"bufferSize": len(c.buf),
		"maxLength":  c.maxLength,
	}).Debug("DMA channel ready")

	return c, nil
}

// Direction reports which way the channel moves data.
func (c *Channel) Direction() Direction {
	return c.dir
}

// Completion reports how the channel learns that a descriptor finished.
func (c *Channel) Completion() Completion {
	return c.completion
}

// SetStatusHandler sets the function called when asynchronous transfers
// complete.
func (c *Channel) SetStatusHandler(fn StatusHandler) {
	c.handlerLock.Lock()
	c.handler = fn
	c.handlerLock.Unlock()
}

// Submit queues a transfer between host and the device address
// deviceOffset. A nil op makes the call synchronous: it returns once the
// transfer is done. Otherwise Submit returns immediately and the status
// handler reports completion for op. A synchronous Submit from inside the
// status handler runs the transfer right away, ahead of anything queued.
func (c *Channel) Submit(op any, host []byte, deviceOffset uint64) error {
	it := &workItem{op: op, host: host, device: deviceOffset}
	if op == nil {
		if c.onWorker() {
			if !c.active.Load() {
				return ErrClosed
			}
			return c.transfer(it)
		}
		it.result = make(chan error, 1)
	}

	c.queueLock.Lock()
	if !c.active.Load() {
		c.queueLock.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, it)
	c.metrics.queueDepth.Update(int64(len(c.queue)))
	c.notify.Signal()
	c.queueLock.Unlock()

	if op != nil {
		return nil
	}
	return <-it.result
}

// Close stops the worker and frees the channel's pinned memory. A transfer
// already handed to the device runs to completion or timeout first and is
// reported as usual. Transfers still queued are abandoned: their status
// handlers are not called and synchronous callers get ErrClosed.
func (c *Channel) Close() error {
	if !c.active.Swap(false) {
		return nil
	}

	c.queueLock.Lock()
	c.notify.Broadcast()
	c.queueLock.Unlock()

	<-c.done

	return c.freeResources()
}

func (c *Channel) freeResources() error {
	var errs []error
	if c.buf != nil {
		errs = append(errs, c.pinner.Free(c.buf))
		c.buf = nil
	}
	if c.fence != nil {
		errs = append(errs, c.pinner.Free(c.fence))
		c.fence = nil
	}
	if c.waiter != nil {
		errs = append(errs, c.waiter.Close())
		c.waiter = nil
	}
	return errors.Join(errs...)
}

func (c *Channel) work() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)
	c.workerTID.Store(int64(unix.Gettid()))

	for {
		c.queueLock.Lock()
		for len(c.queue) == 0 && c.active.Load() {
			c.notify.Wait()
		}
		if !c.active.Load() {
			pending := c.queue
			c.queue = nil
			c.metrics.queueDepth.Update(0)
			c.queueLock.Unlock()
			c.abandon(pending)
			return
		}
		it := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.metrics.queueDepth.Update(int64(len(c.queue)))
		c.queueLock.Unlock()

		c.finish(it, c.transfer(it))
	}
}

// onWorker reports whether the caller is the channel worker. The worker is
// locked to its thread, so no other goroutine can share its thread id.
func (c *Channel) onWorker() bool {
	return c.workerTID.Load() == int64(unix.Gettid())
}

func (c *Channel) finish(it *workItem, err error) {
	if it.result != nil {
		it.result <- err
		return
	}

	c.handlerLock.RLock()
	fn := c.handler
	c.handlerLock.RUnlock()
	if fn == nil {
		c.l.WithField("direction", c.dir).Warn("Asynchronous DMA completed with no status handler set")
		return
	}
	fn(it.op, err)
}

func (c *Channel) abandon(items []*workItem) {
	if len(items) == 0 {
		return
	}
	c.metrics.abandoned.Inc(int64(len(items)))
	c.l.WithFields(logrus.Fields{"direction": c.dir, "count": len(items)}).
		Debug("Abandoning queued DMA transfers")
	for _, it := range items {
		if it.result != nil {
			it.result <- ErrClosed
		}
	}
}

func (c *Channel) transfer(it *workItem) (err error) {
	size := len(it.host)
	if size == 0 {
		return nil
	}

	id := c.transactions.Add(1)
	start := time.Now()
	defer func() {
		c.metrics.latency.UpdateSince(start)
		if err != nil {
			c.metrics.errors.Inc(1)
			return
		}
		c.metrics.transfers.Inc(1)
		c.metrics.bytes.Inc(int64(size))
	}()

	var host uint64
	bounce := size <= c.threshold
	if bounce {
		host = c.bufIOVA
		if c.dir == HostToDevice {
			copy(c.buf, it.host)
		}
	} else {
		host, err = c.pinner.Prepare(it.host)
		if err != nil {
			return fmt.Errorf("pin host buffer: %w", err)
		}
		defer func() {
			if rerr := c.pinner.Release(host); rerr != nil {
				c.l.WithError(rerr).WithField("transactionId", id).Error("Failed to release pinned host buffer")
			}
		}()
	}

	src, dst := host, it.device
	if c.dir == DeviceToHost {
		src, dst = it.device, host
	}

	remaining := uint64(size)
	for c.maxLength > 0 && remaining > c.maxLength {
		if err = c.send(id, src, dst, c.maxLength); err != nil {
			return err
		}
		src += c.maxLength
		dst += c.maxLength
		remaining -= c.maxLength
	}
	if err = c.send(id, src, dst, remaining); err != nil {
		return err
	}

	if bounce && c.dir == DeviceToHost {
		copy(it.host, c.buf[:size])
	}
	return nil
}

func (c *Channel) send(id, src, dst, n uint64) error {
	c.submitLock.Lock()
	defer c.submitLock.Unlock()

	if c.l.IsLevelEnabled(logrus.DebugLevel) {
		c.l.WithFields(logrus.Fields{
			"direction":     c.dir,
			"transactionId": id,
			"src":           fmt.Sprintf("%#x", src),
			"dst":           fmt.Sprintf("%#x", dst),
			"size":          n,
		}).Debug("Submitting DMA descriptor")
	}

	if err := c.space.Write64(c.base+srcOffset, src); err != nil {
		return fmt.Errorf("write source address: %w", err)
	}
	if err := c.space.Write64(c.base+dstOffset, dst); err != nil {
		return fmt.Errorf("write destination address: %w", err)
	}
	if err := c.space.Write64(c.base+lenOffset, n); err != nil {
		return fmt.Errorf("write transfer length: %w", err)
	}
	c.metrics.descriptors.Inc(1)

	if c.completion == CompletionInterrupt {
		return c.waitInterrupt(id)
	}
	return c.waitMagic(id)
}

func (c *Channel) waitInterrupt(id uint64) error {
	err := c.waiter.Wait(c.interruptTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, eventfd.ErrTimeout):
		c.metrics.timeouts.Inc(1)
		c.dumpStatus(id)
		return fmt.Errorf("%w: transaction %d after %s", ErrTimeout, id, c.interruptTimeout)
	}
	return fmt.Errorf("wait for completion interrupt: %w", err)
}

func (c *Channel) waitMagic(id uint64) error {
	fence := (*uint64)(unsafe.Pointer(unsafe.SliceData(c.fence)))
	start := time.Now()
	for atomic.LoadUint64(fence) != MagicNumber {
		if c.magicTimeout > 0 && time.Since(start) > c.magicTimeout {
			c.metrics.timeouts.Inc(1)
			c.dumpStatus(id)
			return fmt.Errorf("%w: transaction %d after %s", ErrTimeout, id, c.magicTimeout)
		}
		runtime.Gosched()
	}
	atomic.StoreUint64(fence, 0)
	return nil
}

// dumpStatus logs the engine's status registers and translation counters.
// Read failures are logged, never returned.
func (c *Channel) dumpStatus(id uint64) {
	fields := logrus.Fields{"direction": c.dir, "transactionId": id}
	for _, r := range statusRegisters {
		v, err := c.space.Read64(c.base + r.offset)
		if err != nil {
			fields[r.name] = err.Error()
			continue
		}
		fields[r.name] = fmt.Sprintf("%#x", v)
	}
	c.l.WithFields(fields).Error("DMA transfer timed out")
	c.pinner.LogStats()
}
