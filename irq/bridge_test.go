package irq_test

import (
	"testing"
	"time"

	"github.com/ofsmmd/mmd/irq"
	"github.com/ofsmmd/mmd/sim"
	"github.com/ofsmmd/mmd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeFromDelay(t *testing.T) {
	tests := []struct {
		delay int
		mode  irq.Mode
		sleep time.Duration
	}{
		{-100, irq.ModeInterrupt, 0},
		{-2, irq.ModeInterrupt, 0},
		{-1, irq.ModeYield, 0},
		{0, irq.ModeYieldSleep, 0},
		{250, irq.ModeYieldSleep, 250 * time.Microsecond},
	}
	for _, tt := range tests {
		mode, sleep := irq.ModeFromDelay(tt.delay)
		assert.Equal(t, tt.mode, mode, "delay %d", tt.delay)
		assert.Equal(t, tt.sleep, sleep, "delay %d", tt.delay)
	}
}

func mask(t *testing.T, b *sim.Board) uint32 {
	v, err := b.Space().Read32(irq.MaskCSR)
	require.NoError(t, err)
	return v
}

func TestBridge_Interrupt(t *testing.T) {
	b := sim.NewBoard()
	br, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: irq.ModeInterrupt, PollTimeout: 10 * time.Second})
	require.NoError(t, err)

	fired := make(chan struct{}, 10)
	br.SetHandler(func() {
		fired <- struct{}{}
	})

	assert.Equal(t, uint32(1), mask(t, b))
	assert.Equal(t, int64(1), b.RegisteredLines())

	b.RaiseKernelInterrupt()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	require.NoError(t, br.Disable())
	assert.Equal(t, uint32(0), mask(t, b))
	assert.Equal(t, int64(0), b.RegisteredLines())

	// disabling twice is harmless and enabling again restarts delivery
	require.NoError(t, br.Disable())
	require.NoError(t, br.Enable(b.Space()))
	b.RaiseKernelInterrupt()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called after re-enable")
	}
	require.NoError(t, br.Disable())
}

func TestBridge_PollTimeoutRunsHandler(t *testing.T) {
	b := sim.NewBoard()
	br, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: irq.ModeInterrupt, PollTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, br.Disable())
	})

	fired := make(chan struct{}, 100)
	br.SetHandler(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not called on poll timeout")
		}
	}
}

func TestBridge_Yield(t *testing.T) {
	b := sim.NewBoard()
	br, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: irq.ModeYield})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.RegisteredLines())

	// no handler yet
	br.Yield()

	calls := 0
	br.SetHandler(func() { calls++ })
	br.Yield()
	br.Yield()
	assert.Equal(t, 2, calls)
	assert.NoError(t, br.Disable())
}

func TestBridge_YieldSleep(t *testing.T) {
	b := sim.NewBoard()
	mode, sleep := irq.ModeFromDelay(20000)
	br, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: mode, Sleep: sleep})
	require.NoError(t, err)

	called := false
	br.SetHandler(func() { called = true })

	start := time.Now()
	br.Yield()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.True(t, called)
}

func TestBridge_SetHandlerWaitsForRunningHandler(t *testing.T) {
	b := sim.NewBoard()
	br, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: irq.ModeYield})
	require.NoError(t, err)

	running := make(chan struct{})
	release := make(chan struct{})
	br.SetHandler(func() {
		close(running)
		<-release
	})
	go br.Yield()
	<-running

	replaced := make(chan struct{})
	go func() {
		br.SetHandler(func() {})
		close(replaced)
	}()

	select {
	case <-replaced:
		t.Fatal("handler was replaced while running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-replaced:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never replaced")
	}
}

func TestBridge_MaskWriteFailure(t *testing.T) {
	b := sim.NewBoard()
	b.FailWrites(irq.MaskCSR, true)

	_, err := irq.NewBridge(test.NewLogger(), b.Space(), b, irq.Config{Mode: irq.ModeInterrupt})
	assert.ErrorIs(t, err, sim.ErrInjected)
	assert.Equal(t, int64(0), b.RegisteredLines())
}
