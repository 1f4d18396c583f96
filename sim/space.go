package sim

import (
	"fmt"

	"github.com/ofsmmd/mmd/regs"
)

// space is one mapping of a board's register window. Writes reach the
// board's device model after they land in the window.
type space struct {
	b *Board
	w *regs.Window
}

func (s *space) Read64(offset uint64) (uint64, error) {
	return s.w.Read64(offset)
}

func (s *space) Read32(offset uint64) (uint32, error) {
	return s.w.Read32(offset)
}

func (s *space) Write64(offset uint64, value uint64) error {
	if s.b.writeFailed(offset) {
		return fmt.Errorf("%w: write %#x", ErrInjected, offset)
	}
	if err := s.w.Write64(offset, value); err != nil {
		return err
	}
	s.b.onWrite(offset)
	return nil
}

func (s *space) Write32(offset uint64, value uint32) error {
	if s.b.writeFailed(offset) {
		return fmt.Errorf("%w: write %#x", ErrInjected, offset)
	}
	if err := s.w.Write32(offset, value); err != nil {
		return err
	}
	s.b.onWrite(offset)
	return nil
}

func (s *space) unmap() error {
	return s.w.Unmap()
}
