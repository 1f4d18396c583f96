package device

import (
	"time"

	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/irq"
	"github.com/rcrowley/go-metrics"
)

var (
	// Images are identified by the AFU id in the first feature header. The
	// values are fixed when the board support package is built.
	DefaultPCIImageGUID = MustParseGUID("9d73b5f6-0c52-4a31-8b59-4cbe1b3f2d10")
	DefaultSVMImageGUID = MustParseGUID("5d9b7e2c-a4f1-4c5e-9e3b-1c6d0f8a7b24")
)

const (
	DefaultNamePrefix = "ofs_"
	DefaultResetDelay = 20 * time.Millisecond

	// SVMMemoryOffset is where device memory starts in the host view of an
	// SVM image.
	SVMMemoryOffset = 0x1000000000000
	// MPFOffset is the translation engine's feature header in both images.
	MPFOffset = 0x24000

	// Interface selectors for block operations.
	InterfaceKernel = 0x4000
	InterfaceMemory = 0x100000

	// KernelSoftResetCSR needs a settling delay around every access.
	KernelSoftResetCSR = InterfaceKernel + 0x30
	softResetDelay     = 5 * time.Millisecond

	CopyBufferSize = 2 << 20
)

type DMAConfig struct {
	BufferSize        int
	PinThreshold      int
	// Zero disables descriptor splitting in that direction.
	MaxLengthToDevice uint64
	MaxLengthToHost   uint64
	InterruptTimeout  time.Duration
	MagicTimeout      time.Duration
}

// Config is everything a Device needs to know about its environment. It is
// built once by the caller and never changes.
type Config struct {
	NamePrefix string
	PCIImage   GUID
	SVMImage   GUID
	ResetDelay time.Duration
	NUMA       bool
	SysfsRoot  string
	DMA        DMAConfig
	Interrupts irq.Config
	Metrics    metrics.Registry
}

func DefaultConfig() Config {
	return Config{
		NamePrefix: DefaultNamePrefix,
		PCIImage:   DefaultPCIImageGUID,
		SVMImage:   DefaultSVMImageGUID,
		ResetDelay: DefaultResetDelay,
		NUMA:       true,
		SysfsRoot:  "/sys",
		DMA: DMAConfig{
			BufferSize:       dma.DefaultBufferSize,
			InterruptTimeout: dma.DefaultInterruptTimeout,
		},
		Interrupts: irq.DefaultConfig(),
		Metrics:    metrics.DefaultRegistry,
	}
}
