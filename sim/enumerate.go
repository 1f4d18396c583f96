package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/ofsmmd/mmd/vtp"
	"github.com/sirupsen/logrus"
)

var ErrForeignToken = errors.New("token does not belong to this board")

type token struct {
	b     *Board
	props device.Properties
}

func (t *token) Properties() (device.Properties, error) {
	p := t.props
	if p.ObjectType == device.ObjectAccelerator {
		p.GUID = t.b.Image()
	}
	return p, nil
}

func (b *Board) tokens() []*token {
	dfl, vfio := device.InterfaceDFL, device.InterfaceVFIO
	if b.simulated {
		dfl, vfio = device.InterfaceSimDFL, device.InterfaceSimVFIO
	}

	base := device.Properties{ObjectID: b.objectID, Bus: b.bus, Device: b.dev, Function: b.fn}

	port := base
	port.Interface, port.ObjectType = dfl, device.ObjectAccelerator

	fme := base
	fme.Interface, fme.ObjectType = dfl, device.ObjectFPGA
	fme.ObjectID = b.objectID | 1<<32

	mmio := base
	mmio.Interface, mmio.ObjectType = vfio, device.ObjectAccelerator
	mmio.ObjectID = b.objectID | 2<<32

	return []*token{{b, port}, {b, fme}, {b, mmio}}
}

func (b *Board) Enumerate(f device.Filter) ([]device.Token, error) {
	var out []device.Token
	for _, t := range b.tokens() {
		if f.Match(t.props) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *Board) Open(t device.Token) (device.Handle, error) {
	tk, ok := t.(*token)
	if !ok || tk.b != b {
		return nil, ErrForeignToken
	}
	b.openHandles.Add(1)
	return &handle{b: b, t: tk}, nil
}

// Reconfigure loads image. The first 16 bytes of the image are the
// identifier of the accelerator it contains. Device memory is preserved.
func (b *Board) Reconfigure(t device.Token, image []byte) error {
	tk, ok := t.(*token)
	if !ok || tk.b != b {
		return ErrForeignToken
	}
	if tk.props.ObjectType != device.ObjectFPGA {
		return fmt.Errorf("token %#x is not a reconfiguration target", tk.props.ObjectID)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.failReconf != nil {
		return b.failReconf
	}
	if len(image) < len(device.GUID{}) {
		return fmt.Errorf("image too short: %d bytes", len(image))
	}

	copy(b.image[:], image)
	b.writeHeaders()
	_ = b.view.Write32(IRQMaskCSR, 0)
	b.pending = false
	b.reconfigures.Add(1)
	b.l.WithField("image", b.image).Debug("Simulated board reconfigured")
	return nil
}

func (b *Board) reset() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.failReset != nil {
		return b.failReset
	}
	_ = b.view.Write32(IRQMaskCSR, 0)
	_ = b.view.Write64(writeFenceCSR, 0)
	b.pending = false
	b.resets.Add(1)
	return nil
}

type handle struct {
	b *Board
	t *token

	lock   sync.Mutex
	mapped *space
	closed bool
}

func (h *handle) Map() (regs.Space, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	if h.mapped == nil {
		h.mapped = &space{b: h.b, w: regs.NewWindow(h.b.mem)}
	}
	return h.mapped, nil
}

func (h *handle) Unmap() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.mapped == nil {
		return nil
	}
	err := h.mapped.unmap()
	h.mapped = nil
	return err
}

func (h *handle) Reset() error {
	return h.b.reset()
}

func (h *handle) RegisterInterrupt(line int) (eventfd.Handle, error) {
	return h.b.RegisterInterrupt(line)
}

func (h *handle) Close() error {
	err := h.Unmap()
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return err
	}
	h.closed = true
	h.b.openHandles.Add(-1)
	return err
}

// Platform is a set of boards behind one enumeration service.
type Platform struct {
	boards []*Board
}

func NewPlatform(boards ...*Board) *Platform {
	return &Platform{boards: boards}
}

func (p *Platform) Boards() []*Board {
	return p.boards
}

func (p *Platform) Enumerate(f device.Filter) ([]device.Token, error) {
	var out []device.Token
	for _, b := range p.boards {
		t, err := b.Enumerate(f)
		if err != nil {
			return nil, err
		}
		out = append(out, t...)
	}
	return out, nil
}

func (p *Platform) Open(t device.Token) (device.Handle, error) {
	tk, ok := t.(*token)
	if !ok {
		return nil, ErrForeignToken
	}
	return tk.b.Open(t)
}

func (p *Platform) Reconfigure(t device.Token, image []byte) error {
	tk, ok := t.(*token)
	if !ok {
		return ErrForeignToken
	}
	return tk.b.Reconfigure(t, image)
}

func (p *Platform) Connect(l *logrus.Logger, s regs.Space, offset uint64) (*vtp.Service, error) {
	sp, ok := s.(*space)
	if !ok {
		return nil, errors.New("register window does not belong to this platform")
	}
	return sp.b.Connect(l, s, offset)
}
