package mmd

import (
	"fmt"
	"time"

	"github.com/ofsmmd/mmd/config"
	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/dma"
	"github.com/ofsmmd/mmd/irq"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	simBufferSize   = 4 << 10
	simPinThreshold = 4 << 10
)

// EnvBindings are the environment variables the runtime understands and the
// config keys they override.
var EnvBindings = []config.EnvBinding{
	{Env: "MMD_YIELD_DELAY", Key: "kernel.yield_delay"},
	{Env: "MMD_ENABLE_DEBUG", Key: "debug", Flag: true},
	{Env: "MMD_DMA_DEBUG", Key: "debug", Flag: true},
	{Env: "MMD_PROGRAM_DEBUG", Key: "debug", Flag: true},
	{Env: "MMD_ENABLE_NUMA", Key: "numa.enable"},
	{Env: "OFS_OCL_ENV_DMA_MAX_LEN", Key: "dma.max_len"},
}

// Settings is read once from config and shared by everything the Manager
// builds. It is never mutated afterwards.
type Settings struct {
	Simulation bool
	Debug      bool
	LockMemory bool
	HugePages  bool
	YieldDelay int
	Device     device.Config
	Registry   metrics.Registry
}

// DefaultSettings are the settings used when no config is given.
func DefaultSettings() *Settings {
	return &Settings{
		LockMemory: true,
		HugePages:  true,
		YieldDelay: -1,
		Device:     device.DefaultConfig(),
		Registry:   metrics.DefaultRegistry,
	}
}

// NewSettingsFromConfig builds the settings from c. Invalid values fall back
// to their defaults with a warning.
func NewSettingsFromConfig(l *logrus.Logger, c *config.C) (*Settings, error) {
	s := DefaultSettings()
	s.Simulation = c.GetBool("simulation", false)
	s.Debug = c.GetBool("debug", false)
	s.LockMemory = c.GetBool("memory.lock", !s.Simulation)
	s.HugePages = c.GetBool("memory.huge_pages", true)

	d := &s.Device
	d.NamePrefix = c.GetString("device.name_prefix", device.DefaultNamePrefix)
	d.ResetDelay = c.GetDuration("device.reset_delay", device.DefaultResetDelay)
	d.NUMA = c.GetBool("numa.enable", true)
	d.SysfsRoot = c.GetString("device.sysfs_root", "/sys")

	var err error
	if d.PCIImage, err = guidSetting(c, "device.pci_afu_id", device.DefaultPCIImageGUID); err != nil {
		return nil, err
	}
	if d.SVMImage, err = guidSetting(c, "device.svm_afu_id", device.DefaultSVMImageGUID); err != nil {
		return nil, err
	}

	bufferSize, threshold := dma.DefaultBufferSize, 0
	interruptTimeout := dma.DefaultInterruptTimeout
	if s.Simulation {
		bufferSize, threshold = simBufferSize, simPinThreshold
		interruptTimeout = 0
	}
	d.DMA.BufferSize = int(c.GetSize("dma.buffer_size", int64(bufferSize)))
	if d.DMA.BufferSize <= 0 {
		l.WithField("dma.buffer_size", d.DMA.BufferSize).Warn("Invalid bounce buffer size, using the default")
		d.DMA.BufferSize = bufferSize
	}
	d.DMA.PinThreshold = int(c.GetSize("dma.pin_threshold", int64(threshold)))
	if d.DMA.PinThreshold > d.DMA.BufferSize {
		l.WithFields(logrus.Fields{
			"dma.pin_threshold": d.DMA.PinThreshold,
			"dma.buffer_size":   d.DMA.BufferSize,
		}).Warn("Pin threshold is larger than the bounce buffer, clamping")
		d.DMA.PinThreshold = d.DMA.BufferSize
	}
	d.DMA.MaxLengthToHost = maxLenSetting(l, c, "dma.max_len")
	d.DMA.MaxLengthToDevice = maxLenSetting(l, c, "dma.max_len_host_to_device")
	d.DMA.InterruptTimeout = c.GetDuration("dma.interrupt_timeout", interruptTimeout)
	d.DMA.MagicTimeout = c.GetDuration("dma.magic_timeout", 0)

	s.YieldDelay = c.GetInt("kernel.yield_delay", -1)
	mode, sleep := irq.ModeFromDelay(s.YieldDelay)
	d.Interrupts = irq.Config{
		Mode:        mode,
		Sleep:       sleep,
		PollTimeout: c.GetDuration("kernel.poll_timeout", irq.DefaultPollTimeout),
	}

	d.Metrics = s.Registry
	return s, nil
}

func guidSetting(c *config.C, key string, d device.GUID) (device.GUID, error) {
	raw := c.GetString(key, "")
	if raw == "" {
		return d, nil
	}
	g, err := device.ParseGUID(raw)
	if err != nil {
		return d, fmt.Errorf("%s: %w", key, err)
	}
	return g, nil
}

// maxLenSetting reads a descriptor length limit. Values that are not a
// positive multiple of the descriptor alignment disable splitting.
func maxLenSetting(l *logrus.Logger, c *config.C, key string) uint64 {
	v := c.GetSize(key, 0)
	if v == 0 {
		return 0
	}
	if v%dma.DescriptorAlignment != 0 {
		l.WithField(key, v).Warnf("Ignoring descriptor length limit that is not a multiple of %d", dma.DescriptorAlignment)
		return 0
	}
	return uint64(v)
}

// logFields describes the settings for the startup log line.
func (s *Settings) logFields() logrus.Fields {
	return logrus.Fields{
		"simulation":       s.Simulation,
		"interruptMode":    s.Device.Interrupts.Mode,
		"yieldSleep":       s.Device.Interrupts.Sleep,
		"numa":             s.Device.NUMA,
		"bufferSize":       s.Device.DMA.BufferSize,
		"pinThreshold":     s.Device.DMA.PinThreshold,
		"maxLenToHost":     s.Device.DMA.MaxLengthToHost,
		"maxLenToDevice":   s.Device.DMA.MaxLengthToDevice,
		"interruptTimeout": s.Device.DMA.InterruptTimeout,
		"resetDelay":       s.Device.ResetDelay.Round(time.Millisecond),
	}
}
