package device

import (
	"github.com/ofsmmd/mmd/eventfd"
	"github.com/ofsmmd/mmd/regs"
	"github.com/ofsmmd/mmd/vtp"
	"github.com/sirupsen/logrus"
)

// Interface is the driver stack a token was enumerated through.
type Interface int

const (
	InterfaceDFL Interface = iota
	InterfaceSimDFL
	InterfaceVFIO
	InterfaceSimVFIO
)

func (i Interface) String() string {
	switch i {
	case InterfaceDFL:
		return "dfl"
	case InterfaceSimDFL:
		return "sim-dfl"
	case InterfaceVFIO:
		return "vfio"
	case InterfaceSimVFIO:
		return "sim-vfio"
	}
	return "unknown"
}

type ObjectType int

const (
	// ObjectAccelerator is an accelerator port or its register window.
	ObjectAccelerator ObjectType = iota
	// ObjectFPGA is the management function used for reconfiguration.
	ObjectFPGA
)

// Any matches every value of a numeric Filter field.
const Any = -1

// Properties describe an enumerated object.
type Properties struct {
	Interface  Interface
	ObjectType ObjectType
	ObjectID   uint64
	Bus        uint8
	Device     uint8
	Function   uint8
	Socket     int
	GUID       GUID
}

// Token identifies an enumerated object. Tokens are opaque to the device
// layer apart from their properties.
type Token interface {
	Properties() (Properties, error)
}

type Filter struct {
	Interface  Interface
	ObjectType ObjectType
	Bus        int
	Device     int
	Function   int
}

// NewFilter matches every object of typ on iface.
func NewFilter(iface Interface, typ ObjectType) Filter {
	return Filter{Interface: iface, ObjectType: typ, Bus: Any, Device: Any, Function: Any}
}

func (f Filter) Match(p Properties) bool {
	return p.Interface == f.Interface &&
		p.ObjectType == f.ObjectType &&
		(f.Bus == Any || int(p.Bus) == f.Bus) &&
		(f.Device == Any || int(p.Device) == f.Device) &&
		(f.Function == Any || int(p.Function) == f.Function)
}

// Handle is an opened object. The register window returned by Map stays
// valid until Unmap or Close.
type Handle interface {
	eventfd.Source
	Map() (regs.Space, error)
	Unmap() error
	Reset() error
	Close() error
}

type Enumerator interface {
	Enumerate(f Filter) ([]Token, error)
	Open(t Token) (Handle, error)
}

type Reconfigurer interface {
	Reconfigure(t Token, image []byte) error
}

type Connector interface {
	Connect(l *logrus.Logger, space regs.Space, offset uint64) (*vtp.Service, error)
}

// Backend is everything a Device needs from the platform.
type Backend interface {
	Enumerator
	Reconfigurer
	Connector
}
