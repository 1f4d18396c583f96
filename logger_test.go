package mmd

import (
	"testing"

	"github.com/ofsmmd/mmd/config"
	"github.com/ofsmmd/mmd/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	require.NoError(t, c.LoadString("logging:\n  level: warning\n  format: json\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	require.NoError(t, c.ReloadConfigString("logging:\n  level: info\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	f, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, f.DisableTimestamp)

	require.NoError(t, c.ReloadConfigString("logging:\n  level: nope\n"))
	assert.Error(t, configLogger(l, c))

	require.NoError(t, c.ReloadConfigString("logging:\n  format: xml\n"))
	assert.Error(t, configLogger(l, c))
}

func TestConfigLogger_Debug(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	lookup := func(k string) (string, bool) {
		return "1", k == "MMD_DMA_DEBUG"
	}
	require.NoError(t, c.LoadString("logging:\n  level: error\n"))
	c.LoadEnv(EnvBindings, lookup)

	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	// a more verbose level is kept
	require.NoError(t, c.ReloadConfigString("logging:\n  level: trace\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.TraceLevel, l.GetLevel())
}

func TestConfigLogger_Output(t *testing.T) {
	l := logrus.New()
	tl := &test.LogWriter{}
	l.Out = tl

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("logging:\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	l.Formatter.(*logrus.TextFormatter).DisableColors = true

	l.WithField("handle", 1).Info("Opened device")
	assert.Equal(t, []string{"level=info msg=\"Opened device\" handle=1\n"}, tl.Logs())

	tl.Reset()
	l.Debug("hidden")
	assert.Empty(t, tl.Logs())
}
