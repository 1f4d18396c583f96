package eventfd

import (
	"encoding/binary"
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is a waitable descriptor tied to an interrupt line. Reads consume
// the pending count.
type Handle interface {
	FD() int
	Close() error
}

// Source hands out waitable handles for device interrupt lines.
type Source interface {
	RegisterInterrupt(line int) (Handle, error)
}

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{fd: -1}, err
	}
	return EventFD{
		fd:  fd,
		buf: [8]byte{},
	}, nil
}

func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(e.fd, e.buf[:])
	return err
}

// Drain resets the counter. An empty counter is not an error.
func (e *EventFD) Drain() error {
	_, err := syscall.Read(e.fd, e.buf[:])
	if errors.Is(err, syscall.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) Close() error {
	if e.fd >= 0 {
		fd := e.fd
		e.fd = -1
		return unix.Close(fd)
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{fd: -1}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 2),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits up to timeout for any registered descriptor to become readable
// and returns the ready descriptors. A negative timeout waits forever. An
// interrupted wait returns no descriptors and no error.
func (ep *Epoll) Block(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	ready := make([]int, n)
	for i := 0; i < n; i++ {
		ready[i] = int(ep.events[i].Fd)
	}
	return ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd >= 0 {
		fd := ep.fd
		ep.fd = -1
		return unix.Close(fd)
	}
	return nil
}
