package dma_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/ofsmmd/mmd/sim"
	"github.com/ofsmmd/mmd/test"
	"github.com/ofsmmd/mmd/vtp"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPinner struct {
	*vtp.Service
	prepares atomic.Int64
}

func (p *countingPinner) Prepare(buf []byte) (uint64, error) {
	p.prepares.Add(1)
	return p.Service.Prepare(buf)
}

type failingSource struct{}

func (failingSource) RegisterInterrupt(int) (eventfd.Handle, error) {
	return nil, errors.New("no interrupt for you")
}

type harness struct {
	board    *sim.Board
	space    regs.Space
	pinner   *countingPinner
	registry metrics.Registry
}

func newHarness(t *testing.T) *harness {
	b := sim.NewBoard(sim.WithLogger(test.NewLogger()))
	s := b.Space()
	tr, err := b.Connect(test.NewLogger(), s, sim.MPFOffset)
	require.NoError(t, err)
	return &harness{board: b, space: s, pinner: &countingPinner{Service: tr}, registry: metrics.NewRegistry()}
}

func (h *harness) channel(t *testing.T, dir dma.Direction, options ...dma.Option) *dma.Channel {
	opts := append([]dma.Option{
		dma.WithMetrics(h.registry, "test."+dir.String()),
		dma.WithBufferSize(4096),
		dma.WithPinThreshold(4096),
		dma.WithInterruptTimeout(5 * time.Second),
	}, options...)

	c, err := dma.NewChannel(test.NewLogger(), dir, h.space, h.pinner, h.board, sim.DMAOffset, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func (h *harness) counter(dir dma.Direction, name string) int64 {
	return metrics.GetOrRegisterCounter("test."+dir.String()+"."+name, h.registry).Count()
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}

func TestChannel_RoundTrip(t *testing.T) {
	paths := []struct {
		name      string
		buffer    int
		threshold int
	}{
		{"bounce", 8 << 20, 8 << 20},
		{"mixed", 64 << 10, 64 << 10},
		{"pinned", 4096, 0},
	}

	for _, p := range paths {
		sizes := []int{1, 63, 4095, 4096, p.threshold - 1, p.threshold, p.threshold + 1, 4 << 20}
		for _, size := range sizes {
			if size <= 0 {
				continue
			}
			t.Run(fmt.Sprintf("%s/%d", p.name, size), func(t *testing.T) {
				h := newHarness(t)
				opts := []dma.Option{dma.WithBufferSize(p.buffer), dma.WithPinThreshold(p.threshold)}
				h2d := h.channel(t, dma.HostToDevice, opts...)
				d2h := h.channel(t, dma.DeviceToHost, opts...)

				src := pattern(size, 3)
				require.NoError(t, h2d.Submit(nil, src, 0x1000))
				assert.Equal(t, src, h.board.Memory()[0x1000:0x1000+size])

				dst := make([]byte, size)
				require.NoError(t, d2h.Submit(nil, dst, 0x1000))
				assert.Equal(t, src, dst)

				var prepares int64
				if size > p.threshold {
					prepares = 2
				}
				assert.Equal(t, prepares, h.pinner.prepares.Load())
				assert.Equal(t, int64(1), h.counter(dma.HostToDevice, "transfers"))
				assert.Equal(t, int64(size), h.counter(dma.DeviceToHost, "bytes"))
			})
		}
	}
}

func TestChannel_PinThreshold(t *testing.T) {
	h := newHarness(t)
	h2d := h.channel(t, dma.HostToDevice)

	require.NoError(t, h2d.Submit(nil, make([]byte, 4096), 0))
	assert.Equal(t, int64(0), h.pinner.prepares.Load(), "a transfer at the threshold must use the bounce buffer")

	require.NoError(t, h2d.Submit(nil, make([]byte, 4097), 0))
	assert.Equal(t, int64(1), h.pinner.prepares.Load(), "a transfer above the threshold must pin the caller buffer")

	// the pinned buffer was released again
	assert.Equal(t, 1, h.pinner.Stats().PinnedRegions)
}

func TestChannel_ZeroThresholdAlwaysPins(t *testing.T) {
	h := newHarness(t)
	d2h := h.channel(t, dma.DeviceToHost, dma.WithPinThreshold(0))

	require.NoError(t, d2h.Submit(nil, make([]byte, 1), 0))
	assert.Equal(t, int64(1), h.pinner.prepares.Load())
}

func TestChannel_DescriptorSplitting(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		maxLen      uint64
		descriptors uint64
	}{
		{"no limit", 10000, 0, 1},
		{"exact multiple", 8192, 4096, 2},
		{"remainder", 10000, 4096, 3},
		{"smaller than limit", 100, 4096, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h2d := h.channel(t, dma.HostToDevice, dma.WithMaxDescriptorLength(tt.maxLen))
			d2h := h.channel(t, dma.DeviceToHost, dma.WithMaxDescriptorLength(tt.maxLen))

			src := pattern(tt.size, 9)
			require.NoError(t, h2d.Submit(nil, src, 0x40))
			dst := make([]byte, tt.size)
			require.NoError(t, d2h.Submit(nil, dst, 0x40))

			assert.Equal(t, src, dst)
			assert.Equal(t, tt.descriptors, h.board.Descriptors(dma.HostToDevice))
			assert.Equal(t, tt.descriptors, h.board.Descriptors(dma.DeviceToHost))
			assert.Equal(t, int64(tt.descriptors), h.counter(dma.DeviceToHost, "descriptors"))
		})
	}
}

func TestChannel_DescriptorLengths(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
	}{
		{"bounce", 8192},
		{"pinned", 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			d2h := h.channel(t, dma.DeviceToHost,
				dma.WithBufferSize(8192),
				dma.WithPinThreshold(tt.threshold),
				dma.WithMaxDescriptorLength(1024))

			src := pattern(5000, 21)
			copy(h.board.Memory()[0x80:], src)

			dst := make([]byte, 5000)
			require.NoError(t, d2h.Submit(nil, dst, 0x80))
			assert.Equal(t, src, dst)
			assert.Equal(t, []uint64{1024, 1024, 1024, 1024, 904}, h.board.DescriptorLengths(dma.DeviceToHost))
			assert.Equal(t, int64(5), h.counter(dma.DeviceToHost, "descriptors"))
		})
	}
}

func TestChannel_InvalidOptions(t *testing.T) {
	h := newHarness(t)

	_, err := dma.NewChannel(test.NewLogger(), dma.DeviceToHost, h.space, h.pinner, h.board, sim.DMAOffset,
		dma.WithMaxDescriptorLength(100))
	assert.Error(t, err)

	_, err = dma.NewChannel(test.NewLogger(), dma.DeviceToHost, h.space, h.pinner, h.board, sim.DMAOffset,
		dma.WithBufferSize(0))
	assert.Error(t, err)
}

func TestChannel_AsyncFIFO(t *testing.T) {
	h := newHarness(t)
	h.board.SetCompletionDelay(time.Millisecond)
	h2d := h.channel(t, dma.HostToDevice)

	const n = 100
	var (
		lock  sync.Mutex
		order []int
		all   = make(chan struct{})
	)
	h2d.SetStatusHandler(func(op any, err error) {
		assert.NoError(t, err)
		lock.Lock()
		defer lock.Unlock()
		order = append(order, op.(int))
		if len(order) == n {
			close(all)
		}
	})

	bufs := make([][]byte, n)
	for i := 0; i < n; i++ {
		bufs[i] = pattern(4096, byte(i))
		require.NoError(t, h2d.Submit(i, bufs[i], uint64(i*4096)))
	}

	select {
	case <-all:
	case <-time.After(10 * time.Second):
		t.Fatal("asynchronous transfers did not complete")
	}

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	lock.Lock()
	assert.Equal(t, expected, order)
	lock.Unlock()

	for i := 0; i < n; i++ {
		assert.Equal(t, bufs[i], h.board.Memory()[i*4096:(i+1)*4096])
	}
}

func TestChannel_SyncAfterAsync(t *testing.T) {
	h := newHarness(t)
	h.board.SetCompletionDelay(5 * time.Millisecond)
	d2h := h.channel(t, dma.DeviceToHost)

	var asyncDone atomic.Bool
	d2h.SetStatusHandler(func(op any, err error) {
		assert.NoError(t, err)
		asyncDone.Store(true)
	})

	require.NoError(t, d2h.Submit("first", make([]byte, 256), 0))
	require.NoError(t, d2h.Submit(nil, make([]byte, 256), 0))
	assert.True(t, asyncDone.Load(), "synchronous transfer finished before the earlier asynchronous one")
}

func TestChannel_HandlerReportsErrors(t *testing.T) {
	h := newHarness(t)
	h2d := h.channel(t, dma.HostToDevice, dma.WithInterruptTimeout(50*time.Millisecond))

	errs := make(chan error, 1)
	h2d.SetStatusHandler(func(op any, err error) {
		assert.Equal(t, "op", op)
		errs <- err
	})

	h.board.DropInterrupts(true)
	require.NoError(t, h2d.Submit("op", make([]byte, 64), 0))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, dma.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called for a failed transfer")
	}
}

func TestChannel_TimeoutRecovers(t *testing.T) {
	h := newHarness(t)
	h2d := h.channel(t, dma.HostToDevice, dma.WithInterruptTimeout(50*time.Millisecond))

	h.board.DropInterrupts(true)
	start := time.Now()
	err := h2d.Submit(nil, make([]byte, 64), 0)
	assert.ErrorIs(t, err, dma.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int64(1), h.counter(dma.HostToDevice, "timeouts"))
	assert.Equal(t, int64(1), h.counter(dma.HostToDevice, "errors"))

	// the worker keeps going after a timeout
	h.board.DropInterrupts(false)
	src := pattern(64, 1)
	require.NoError(t, h2d.Submit(nil, src, 0))
	assert.Equal(t, src, h.board.Memory()[:64])
}

func TestChannel_MagicTimeout(t *testing.T) {
	h := newHarness(t)
	d2h := h.channel(t, dma.DeviceToHost, dma.WithMagicTimeout(50*time.Millisecond))

	// reading past the end of device memory faults the engine
	err := d2h.Submit(nil, make([]byte, 64), uint64(len(h.board.Memory())))
	assert.ErrorIs(t, err, dma.ErrTimeout)
}

func TestChannel_CloseAbandonsQueue(t *testing.T) {
	h := newHarness(t)
	h.board.SetCompletionDelay(100 * time.Millisecond)
	r := metrics.NewRegistry()
	c, err := dma.NewChannel(test.NewLogger(), dma.HostToDevice, h.space, h.pinner, h.board, sim.DMAOffset,
		dma.WithMetrics(r, "closing"), dma.WithBufferSize(4096), dma.WithPinThreshold(0))
	require.NoError(t, err)

	// only the transfer already handed to the engine reports, and it completes
	var calls atomic.Int64
	c.SetStatusHandler(func(op any, err error) {
		calls.Add(1)
		assert.Equal(t, 0, op)
		assert.NoError(t, err)
	})

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, c.Submit(i, make([]byte, 8192), 0))
	}
	require.NoError(t, c.Close())

	abandoned := metrics.GetOrRegisterCounter("closing.abandoned", r).Count()
	assert.LessOrEqual(t, calls.Load(), int64(1), "only the transfer in flight may report")
	assert.Equal(t, int64(n), calls.Load()+abandoned)

	assert.ErrorIs(t, c.Submit(nil, make([]byte, 8), 0), dma.ErrClosed)
	assert.NoError(t, c.Close())
}

func TestChannel_CloseFinishesArmedTransfer(t *testing.T) {
	for _, dir := range []dma.Direction{dma.HostToDevice, dma.DeviceToHost} {
		t.Run(dir.String(), func(t *testing.T) {
			h := newHarness(t)
			h.board.SetCompletionDelay(200 * time.Millisecond)
			c, err := dma.NewChannel(test.NewLogger(), dir, h.space, h.pinner, h.board, sim.DMAOffset,
				dma.WithMetrics(h.registry, "armed"),
				dma.WithBufferSize(4096),
				dma.WithPinThreshold(4096),
				dma.WithInterruptTimeout(5*time.Second))
			require.NoError(t, err)

			src := pattern(64, 5)
			buf := src
			if dir == dma.DeviceToHost {
				copy(h.board.Memory(), src)
				buf = make([]byte, len(src))
			}

			result := make(chan error, 1)
			go func() {
				result <- c.Submit(nil, buf, 0)
			}()
			require.Eventually(t, func() bool {
				return metrics.GetOrRegisterCounter("armed.descriptors", h.registry).Count() == 1
			}, 5*time.Second, time.Millisecond)

			start := time.Now()
			require.NoError(t, c.Close())
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "Close returned before the engine finished")

			require.NoError(t, <-result)
			assert.Equal(t, src, h.board.Memory()[:64])
			assert.Equal(t, src, buf)
			assert.Equal(t, 0, h.pinner.Stats().PinnedRegions)
		})
	}
}

func TestChannel_SyncSubmitFromHandler(t *testing.T) {
	h := newHarness(t)
	h2d := h.channel(t, dma.HostToDevice)

	first, second := pattern(128, 2), pattern(128, 11)
	errs := make(chan error, 1)
	h2d.SetStatusHandler(func(op any, err error) {
		assert.NoError(t, err)
		errs <- h2d.Submit(nil, second, 0x800)
	})
	require.NoError(t, h2d.Submit("first", first, 0))

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("synchronous transfer from the status handler did not return")
	}
	assert.Equal(t, first, h.board.Memory()[:128])
	assert.Equal(t, second, h.board.Memory()[0x800:0x880])

	// queued work still runs afterwards
	require.NoError(t, h2d.Submit(nil, pattern(64, 1), 0x1000))
	assert.Equal(t, pattern(64, 1), h.board.Memory()[0x1000:0x1040])
}

func TestChannel_CloseReleasesResources(t *testing.T) {
	h := newHarness(t)

	h2d, err := dma.NewChannel(test.NewLogger(), dma.HostToDevice, h.space, h.pinner, h.board, sim.DMAOffset,
		dma.WithMetrics(h.registry, "res"))
	require.NoError(t, err)
	d2h, err := dma.NewChannel(test.NewLogger(), dma.DeviceToHost, h.space, h.pinner, h.board, sim.DMAOffset,
		dma.WithMetrics(h.registry, "res"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.board.RegisteredLines())
	assert.Equal(t, 3, h.pinner.Stats().PinnedRegions)

	require.NoError(t, h2d.Close())
	require.NoError(t, d2h.Close())
	assert.Equal(t, int64(0), h.board.RegisteredLines())
	assert.Equal(t, 0, h.pinner.Stats().PinnedRegions)
}

func TestChannel_ConstructionFailures(t *testing.T) {
	h := newHarness(t)

	_, err := dma.NewChannel(test.NewLogger(), dma.HostToDevice, h.space, h.pinner, failingSource{}, sim.DMAOffset)
	assert.Error(t, err)
	assert.Equal(t, 0, h.pinner.Stats().PinnedRegions)

	h.board.FailWrites(sim.DMAOffset+0x30, true)
	_, err = dma.NewChannel(test.NewLogger(), dma.DeviceToHost, h.space, h.pinner, h.board, sim.DMAOffset)
	assert.ErrorIs(t, err, sim.ErrInjected)
	assert.Equal(t, 0, h.pinner.Stats().PinnedRegions)

	require.NoError(t, h.pinner.Disconnect())
	_, err = dma.NewChannel(test.NewLogger(), dma.HostToDevice, h.space, h.pinner, h.board, sim.DMAOffset)
	assert.ErrorIs(t, err, vtp.ErrDisconnected)
	assert.Equal(t, int64(0), h.board.RegisteredLines())
}

func TestChannel_ZeroLength(t *testing.T) {
	h := newHarness(t)
	h2d := h.channel(t, dma.HostToDevice)

	require.NoError(t, h2d.Submit(nil, nil, 0))
	assert.Equal(t, uint64(0), h.board.Descriptors(dma.HostToDevice))
}
