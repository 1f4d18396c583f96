package irq

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/sirupsen/logrus"
)

const (
	// KernelLine is the interrupt line the kernel raises when it finishes.
	KernelLine = 1

	// MaskCSR enables (1) or disables (0) kernel interrupt delivery.
	MaskCSR = 0x108

	// DefaultPollTimeout bounds each interrupt wait so a lost interrupt
	// still reaches the handler.
	DefaultPollTimeout = 250 * time.Millisecond
)

// Mode selects how kernel completion is noticed.
type Mode int

const (
	// ModeInterrupt waits on the kernel interrupt line from a worker.
	ModeInterrupt Mode = iota
	// ModeYield checks for completion only when the runtime yields.
	ModeYield
	// ModeYieldSleep is ModeYield with a sleep before each check.
	ModeYieldSleep
)

func (m Mode) String() string {
	switch m {
	case ModeInterrupt:
		return "interrupt"
	case ModeYield:
		return "yield"
	case ModeYieldSleep:
		return "yield-sleep"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ModeFromDelay maps a yield delay setting to a mode: below -1 selects
// interrupts, -1 plain yielding and anything else yielding with a sleep of
// that many microseconds.
func ModeFromDelay(delay int) (Mode, time.Duration) {
	switch {
	case delay < -1:
		return ModeInterrupt, 0
	case delay == -1:
		return ModeYield, 0
	}
	return ModeYieldSleep, time.Duration(delay) * time.Microsecond
}

// Config selects the delivery mode. Sleep applies to ModeYieldSleep and
// PollTimeout to ModeInterrupt.
type Config struct {
	Mode        Mode
	Sleep       time.Duration
	PollTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Mode: ModeYield, PollTimeout: DefaultPollTimeout}
}

// Handler is called when the kernel may have finished.
type Handler func()

// Bridge relays kernel completion to a registered handler.
type Bridge struct {
	l      *logrus.Logger
	cfg    Config
	events eventfd.Source

	// lock serializes the handler with its registration.
	lock    sync.Mutex
	handler Handler

	state   sync.Mutex
	space   regs.Space
	waiter  *eventfd.Waiter
	stop    chan struct{}
	done    chan struct{}
	enabled bool
}

// NewBridge creates a bridge and enables it against space.
func NewBridge(l *logrus.Logger, space regs.Space, events eventfd.Source, cfg Config) (*Bridge, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	b := &Bridge{l: l, cfg: cfg, events: events}
	if err := b.Enable(space); err != nil {
		return nil, err
	}
	return b, nil
}

// Mode reports the configured delivery mode.
func (b *Bridge) Mode() Mode {
	return b.cfg.Mode
}

// SetHandler replaces the handler. It never runs concurrently with an
// invocation of the previous one.
func (b *Bridge) SetHandler(fn Handler) {
	b.lock.Lock()
	b.handler = fn
	b.lock.Unlock()
}

// Enable starts delivery against space. Outside interrupt mode it only
// records the window.
func (b *Bridge) Enable(space regs.Space) (err error) {
	b.state.Lock()
	defer b.state.Unlock()
	if b.enabled {
		return nil
	}
	b.space = space

	if b.cfg.Mode != ModeInterrupt {
		b.enabled = true
		return nil
	}

	h, err := b.events.RegisterInterrupt(KernelLine)
	if err != nil {
		return fmt.Errorf("register kernel interrupt: %w", err)
	}
	w, err := eventfd.NewWaiter(h)
	if err != nil {
		_ = h.Close()
		return err
	}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	if err = b.setMask(true); err != nil {
		return err
	}

	b.waiter = w
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.enabled = true
	go b.work(w, b.stop, b.done)

	b.l.WithField("pollTimeout", b.cfg.PollTimeout).Debug("Kernel interrupts enabled")
	return nil
}

// Disable stops delivery, joins the worker and masks the interrupt.
func (b *Bridge) Disable() error {
	b.state.Lock()
	defer b.state.Unlock()
	if !b.enabled {
		return nil
	}
	b.enabled = false

	if b.cfg.Mode != ModeInterrupt {
		return nil
	}

	close(b.stop)
	_ = b.waiter.Cancel()
	<-b.done

	errs := []error{b.waiter.Close(), b.setMask(false)}
	b.waiter = nil
	return errors.Join(errs...)
}

// Yield gives the runtime a chance to notice kernel completion. It does
// nothing in interrupt mode.
func (b *Bridge) Yield() {
	switch b.cfg.Mode {
	case ModeInterrupt:
		return
	case ModeYieldSleep:
		if b.cfg.Sleep > 0 {
			time.Sleep(b.cfg.Sleep)
		}
	default:
		runtime.Gosched()
	}
	b.invoke()
}

func (b *Bridge) work(w *eventfd.Waiter, stop, done chan struct{}) {
	defer close(done)
	for {
		err := w.Wait(b.cfg.PollTimeout)
		select {
		case <-stop:
			return
		default:
		}

		if err != nil && !errors.Is(err, eventfd.ErrTimeout) && !errors.Is(err, eventfd.ErrCanceled) {
			b.l.WithError(err).Error("Failed waiting for kernel interrupt")
		}

		// Timeouts run the handler as well.
		if err := b.setMask(false); err != nil {
			b.l.WithError(err).Error("Failed to mask kernel interrupt")
		}
		b.invoke()
		if err := b.setMask(true); err != nil {
			b.l.WithError(err).Error("Failed to unmask kernel interrupt")
		}
	}
}

func (b *Bridge) invoke() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.handler != nil {
		b.handler()
	}
}

func (b *Bridge) setMask(enable bool) error {
	var v uint32
	if enable {
		v = 1
	}
	if err := b.space.Write32(MaskCSR, v); err != nil {
		return fmt.Errorf("write interrupt mask: %w", err)
	}
	return nil
}
