package eventfd

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

var (
	ErrTimeout  = errors.New("timed out waiting for interrupt")
	ErrCanceled = errors.New("interrupt wait canceled")
)

// Waiter blocks on an interrupt handle with an optional bound and consumes
// the event when it fires. A waiter can be woken early with Cancel.
type Waiter struct {
	src    Handle
	ep     Epoll
	cancel EventFD
	buf    [8]byte
}

// NewWaiter takes ownership of src; closing the waiter closes it.
func NewWaiter(src Handle) (w *Waiter, err error) {
	w = &Waiter{src: src}

	w.ep, err = NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	defer func() {
		if err != nil {
			_ = w.ep.Close()
			_ = w.cancel.Close()
		}
	}()

	w.cancel, err = New()
	if err != nil {
		return nil, fmt.Errorf("create cancel eventfd: %w", err)
	}
	if err = w.ep.AddEvent(src.FD()); err != nil {
		return nil, fmt.Errorf("watch interrupt handle: %w", err)
	}
	if err = w.ep.AddEvent(w.cancel.FD()); err != nil {
		return nil, fmt.Errorf("watch cancel eventfd: %w", err)
	}

	return w, nil
}

// Wait blocks until the interrupt fires, the timeout elapses or Cancel is
// called. A timeout <= 0 waits without bound. A fired interrupt is consumed
// so the next Wait blocks again.
func (w *Waiter) Wait(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining := time.Duration(-1)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
		}

		ready, err := w.ep.Block(remaining)
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for _, fd := range ready {
			if fd == w.cancel.FD() {
				_ = w.cancel.Drain()
				return ErrCanceled
			}
		}

		for _, fd := range ready {
			if fd == w.src.FD() {
				return w.consume()
			}
		}
	}
}

func (w *Waiter) consume() error {
	n, err := syscall.Read(w.src.FD(), w.buf[:])
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) {
			return nil
		}
		return fmt.Errorf("read interrupt handle: %w", err)
	}
	if n != len(w.buf) {
		return fmt.Errorf("short read from interrupt handle: %d bytes", n)
	}
	return nil
}

// Cancel wakes a blocked Wait, or the next one if none is blocked.
func (w *Waiter) Cancel() error {
	return w.cancel.Kick()
}

func (w *Waiter) Close() error {
	return errors.Join(w.ep.Close(), w.cancel.Close(), w.src.Close())
}
