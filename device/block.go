package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/regs"
)

var ErrUnsupportedInterface = errors.New("operation is not supported on this interface")

// ReadBlock fills buf from offset on interface iface. Memory interface reads
// go through DMA, anything else is a register read. A nil op makes the call
// synchronous; otherwise completion is reported to the status handler.
func (d *Device) ReadBlock(op any, iface uint64, buf []byte, offset uint64) error {
	if iface == InterfaceMemory {
		return d.transfer(dma.DeviceToHost, op, buf, offset)
	}

	err := d.withRegisters(func(s regs.Space) error {
		return readMMIO(s, iface+offset, buf)
	})
	return d.complete(op, err)
}

// WriteBlock copies buf to offset on interface iface.
func (d *Device) WriteBlock(op any, iface uint64, buf []byte, offset uint64) error {
	if iface == InterfaceMemory {
		return d.transfer(dma.HostToDevice, op, buf, offset)
	}

	err := d.withRegisters(func(s regs.Space) error {
		return writeMMIO(s, iface+offset, buf)
	})
	return d.complete(op, err)
}

// CopyBlock copies size bytes of device memory from src to dst by reading
// into a host buffer and writing it back out.
func (d *Device) CopyBlock(op any, iface uint64, src, dst uint64, size uint64) error {
	if iface != InterfaceMemory {
		return fmt.Errorf("%w: copy on interface %#x", ErrUnsupportedInterface, iface)
	}

	d.copyLock.Lock()
	err := d.copyLocked(src, dst, size)
	d.copyLock.Unlock()

	return d.complete(op, err)
}

func (d *Device) copyLocked(src, dst, size uint64) error {
	if d.copyBuf == nil {
		d.copyBuf = make([]byte, CopyBufferSize)
	}
	for size > 0 {
		n := min(size, uint64(len(d.copyBuf)))
		chunk := d.copyBuf[:n]
		if err := d.transfer(dma.DeviceToHost, nil, chunk, src); err != nil {
			return fmt.Errorf("copy read at %#x: %w", src, err)
		}
		if err := d.transfer(dma.HostToDevice, nil, chunk, dst); err != nil {
			return fmt.Errorf("copy write at %#x: %w", dst, err)
		}
		src += n
		dst += n
		size -= n
	}
	return nil
}

func (d *Device) transfer(dir dma.Direction, op any, buf []byte, offset uint64) error {
	d.lock.RLock()
	defer d.lock.RUnlock()

	c := d.toHost
	if dir == dma.HostToDevice {
		c = d.toDevice
	}
	if d.state != StateDMAReady || c == nil {
		return ErrNotReady
	}
	if offset < d.ddrOffset {
		return fmt.Errorf("%w: %#x is below %#x", ErrInvalidOffset, offset, d.ddrOffset)
	}
	return c.Submit(op, buf, offset-d.ddrOffset)
}

func (d *Device) withRegisters(fn func(regs.Space) error) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateReprogramming, StateFailed:
		return ErrNotReady
	}
	if d.space == nil {
		return ErrNotReady
	}
	return fn(d.space)
}

// complete delivers err to the status handler for asynchronous calls.
func (d *Device) complete(op any, err error) error {
	if op == nil {
		return err
	}
	d.notify(op, err)
	return nil
}

func softResetDelayFor(addr uint64) {
	if addr == KernelSoftResetCSR {
		time.Sleep(softResetDelay)
	}
}

// readMMIO reads len(buf) bytes starting at addr, using 64-bit accesses
// where it can and 32-bit accesses otherwise.
func readMMIO(s regs.Space, addr uint64, buf []byte) error {
	softResetDelayFor(addr)

	for len(buf) > 0 {
		switch {
		case len(buf) >= 8 && addr%8 == 0:
			v, err := s.Read64(addr)
			if err != nil {
				return fmt.Errorf("read64 %#x: %w", addr, err)
			}
			binary.LittleEndian.PutUint64(buf, v)
			addr += 8
			buf = buf[8:]

		default:
			v, err := s.Read32(addr)
			if err != nil {
				return fmt.Errorf("read32 %#x: %w", addr, err)
			}
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], v)
			n := copy(buf, word[:])
			addr += uint64(n)
			buf = buf[n:]
		}
	}
	return nil
}

// writeMMIO writes buf starting at addr. A trailing partial word is padded
// with zeroes.
func writeMMIO(s regs.Space, addr uint64, buf []byte) error {
	softResetDelayFor(addr)

	for len(buf) > 0 {
		switch {
		case len(buf) >= 8 && addr%8 == 0:
			if err := s.Write64(addr, binary.LittleEndian.Uint64(buf)); err != nil {
				return fmt.Errorf("write64 %#x: %w", addr, err)
			}
			addr += 8
			buf = buf[8:]

		default:
			var word [4]byte
			n := copy(word[:], buf)
			if err := s.Write32(addr, binary.LittleEndian.Uint32(word[:])); err != nil {
				return fmt.Errorf("write32 %#x: %w", addr, err)
			}
			addr += uint64(n)
			buf = buf[n:]
		}
	}
	return nil
}
