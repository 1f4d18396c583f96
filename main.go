package mmd

import (
	"context"
	"os"

	"github.com/ofsmmd/mmd/bitstream"
	"github.com/ofsmmd/mmd/config"
	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// restartKeys are read once at startup. Changing them on reload only earns a
// warning.
var restartKeys = []string{"simulation", "memory", "device", "numa", "dma", "kernel", "bitstream", "stats"}

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, backend device.Backend) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	if set := c.LoadEnv(EnvBindings, os.LookupEnv); len(set) > 0 {
		l.WithField("keys", set).Info("Environment overrides applied")
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
		for _, k := range restartKeys {
			if c.HasChanged(k) {
				l.WithField("key", k).Warn("Configuration change requires a restart to take effect")
			}
		}
	})

	settings, err := NewSettingsFromConfig(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load runtime settings", nil, err)
	}
	l.WithFields(settings.logFields()).Info("Runtime settings loaded")

	var decoder bitstream.Decoder = bitstream.Inflate{Limit: c.GetSize("bitstream.max_size", 0)}
	if c.GetBool("bitstream.raw", false) {
		decoder = bitstream.Raw{}
	}

	statsStart, err := startStats(l, c, settings.Registry, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	if backend == nil {
		return nil, util.NewContextualError("No device backend available", logrus.Fields{"simulation": settings.Simulation}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		m:          NewManager(l, settings, backend, decoder),
		l:          l,
		c:          c,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
	}, nil
}
