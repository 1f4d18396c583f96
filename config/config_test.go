package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ofsmmd/mmd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	// files merge in lexical order, later files win
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("dma:\n  buffer_size: 4096\n  max_len: 128\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("dma:\n  buffer_size: 8192\nsimulation: true\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope: true\n"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 8192, c.GetInt("dma.buffer_size", 0))
	assert.Equal(t, 128, c.GetInt("dma.max_len", 0))
	assert.True(t, c.GetBool("simulation", false))
	assert.False(t, c.IsSet("nope"))

	c = NewC(l)
	assert.Error(t, c.Load(t.TempDir()))
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))

	require.NoError(t, c.LoadString("kernel:\n  yield_delay: -2\n  poll_timeout: 100ms\n"))
	assert.Equal(t, -2, c.GetInt("kernel.yield_delay", -1))
	assert.Equal(t, 100*time.Millisecond, c.GetDuration("kernel.poll_timeout", time.Second))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["device"] = map[string]any{"name_prefix": "ofs_"}
	assert.Equal(t, "ofs_", c.Get("device.name_prefix"))
	assert.Nil(t, c.Get("device.nope"))
	assert.Nil(t, c.Get("device.name_prefix.deeper"))

	assert.Equal(t, "x", c.GetString("missing", "x"))
	assert.Equal(t, 7, c.GetInt("device.name_prefix", 7))
	assert.Equal(t, time.Second, c.GetDuration("device.name_prefix", time.Second))

	c.Settings["slice"] = []any{"one", 2}
	assert.Equal(t, []string{"one", "2"}, c.GetStringSlice("slice", nil))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	for v, want := range map[any]bool{true: true, "true": true, "Y": true, "yEs": true, false: false, "false": false, "N": false, "nO": false} {
		c.Settings["bool"] = v
		assert.Equal(t, want, c.GetBool("bool", !want), "%v", v)
	}
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))

	called := false
	c.RegisterReloadCallback(func(c *C) {
		called = true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, called)
	assert.True(t, c.HasChanged("outer.inner"))
	assert.False(t, c.InitialLoad())
}

func TestConfig_LoadEnv(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("kernel:\n  yield_delay: -1\ndma:\n  max_len: 64\n"))

	env := map[string]string{
		"MMD_YIELD_DELAY":  " -5 ",
		"MMD_DMA_DEBUG":    "",
		"UNRELATED_SETTING": "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	bindings := []EnvBinding{
		{Env: "MMD_YIELD_DELAY", Key: "kernel.yield_delay"},
		{Env: "MMD_DMA_DEBUG", Key: "debug", Flag: true},
		{Env: "MMD_ENABLE_NUMA", Key: "numa.enable"},
		{Env: "OFS_OCL_ENV_DMA_MAX_LEN", Key: "dma.max_len"},
	}

	set := c.LoadEnv(bindings, lookup)
	assert.Equal(t, []string{"kernel.yield_delay", "debug"}, set)
	assert.Equal(t, -5, c.GetInt("kernel.yield_delay", -1))
	assert.True(t, c.GetBool("debug", false))
	assert.Equal(t, 64, c.GetInt("dma.max_len", 0))
	assert.True(t, c.GetBool("numa.enable", true))

	// the overlay survives a reload
	require.NoError(t, c.ReloadConfigString("kernel:\n  yield_delay: 10\nnuma:\n  enable: false\n"))
	assert.Equal(t, -5, c.GetInt("kernel.yield_delay", -1))
	assert.False(t, c.GetBool("numa.enable", true))

	env["OFS_OCL_ENV_DMA_MAX_LEN"] = "4096"
	require.NoError(t, c.ReloadConfigString("kernel: {}\n"))
	assert.Equal(t, 4096, c.GetInt("dma.max_len", 0))
}

func TestConfig_GetSize(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
dma:
  buffer_size: 2MiB
  pin_threshold: 4k
  max_len: " 128 "
  negative: -1
  bad: 12parsecs
bitstream:
  max_size: 1G
  raw: 4096
`))

	assert.Equal(t, int64(2<<20), c.GetSize("dma.buffer_size", 0))
	assert.Equal(t, int64(4096), c.GetSize("dma.pin_threshold", 0))
	assert.Equal(t, int64(128), c.GetSize("dma.max_len", 0))
	assert.Equal(t, int64(1<<30), c.GetSize("bitstream.max_size", 0))
	assert.Equal(t, int64(4096), c.GetSize("bitstream.raw", 0))
	assert.Equal(t, int64(9), c.GetSize("dma.negative", 9))
	assert.Equal(t, int64(9), c.GetSize("dma.bad", 9))
	assert.Equal(t, int64(9), c.GetSize("dma.missing", 9))

	for _, s := range []string{"", "k", "1.5M", "99999999999999999999", "9000000000G"} {
		_, err := ParseSize(s)
		assert.Error(t, err, s)
	}
}
