package dma

import (
	"errors"
	"time"

	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	bufferSize       int
	pinThreshold     int
	maxLength        uint64
	interruptLine    int
	interruptTimeout time.Duration
	magicTimeout     time.Duration
	registry         metrics.Registry
	metricsPrefix    string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.bufferSize <= 0 {
		return errors.New("bounce buffer size must be positive")
	}
	if o.pinThreshold < 0 {
		return errors.New("pin threshold must not be negative")
	}
	if o.maxLength%DescriptorAlignment != 0 {
		return errors.New("maximum descriptor length must be a multiple of 64")
	}
	return nil
}

func optionDefaults(dir Direction) optionValues {
	o := optionValues{
		bufferSize:       DefaultBufferSize,
		interruptTimeout: DefaultInterruptTimeout,
		registry:         metrics.DefaultRegistry,
		metricsPrefix:    "dma." + dir.String(),
	}
	if dir == HostToDevice {
		o.interruptLine = HostToDeviceLine
	} else {
		o.interruptLine = DeviceToHostLine
	}
	return o
}

// Option can be passed to [NewChannel] to influence channel creation.
type Option func(*optionValues)

// WithBufferSize sets the size of the pinned bounce buffer.
func WithBufferSize(size int) Option {
	return func(o *optionValues) { o.bufferSize = size }
}

// WithPinThreshold sets the transfer size above which the caller's buffer is
// pinned in place instead of staged through the bounce buffer. A threshold
// larger than the bounce buffer is clamped to it.
func WithPinThreshold(threshold int) Option {
	return func(o *optionValues) { o.pinThreshold = threshold }
}

// WithMaxDescriptorLength splits transfers into descriptors of at most n
// bytes. Zero disables splitting. n must be a multiple of 64.
func WithMaxDescriptorLength(n uint64) Option {
	return func(o *optionValues) { o.maxLength = n }
}

// WithInterruptLine selects the completion interrupt line of an interrupt
// driven channel.
func WithInterruptLine(line int) Option {
	return func(o *optionValues) { o.interruptLine = line }
}

// WithInterruptTimeout bounds each completion-interrupt wait. Zero waits
// without bound.
func WithInterruptTimeout(d time.Duration) Option {
	return func(o *optionValues) { o.interruptTimeout = d }
}

// WithMagicTimeout bounds each magic-number wait. Zero, the default, spins
// until the magic number appears, even while the channel is closing.
func WithMagicTimeout(d time.Duration) Option {
	return func(o *optionValues) { o.magicTimeout = d }
}

// WithMetrics registers the channel counters in r under prefix.
func WithMetrics(r metrics.Registry, prefix string) Option {
	return func(o *optionValues) {
		o.registry = r
		o.metricsPrefix = prefix
	}
}
