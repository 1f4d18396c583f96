package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUList(t *testing.T) {
	set, err := parseCPUList("0-2,5,8-9")
	require.NoError(t, err)
	assert.Equal(t, 6, set.Count())
	for _, cpu := range []int{0, 1, 2, 5, 8, 9} {
		assert.True(t, set.IsSet(cpu), "cpu %d", cpu)
	}
	assert.False(t, set.IsSet(3))

	for _, bad := range []string{"", "a", "3-1", "1-x"} {
		_, err := parseCPUList(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadNUMANode(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "class", "fpga_region", "region7", "device")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "numa_node"), []byte("1\n"), 0o644))

	// only the low bits of the object id select the region
	node, err := readNUMANode(root, 0xabc00007)
	require.NoError(t, err)
	assert.Equal(t, 1, node)

	_, err = readNUMANode(root, 8)
	assert.Error(t, err)

	cpus := filepath.Join(root, "devices", "system", "node", "node1")
	require.NoError(t, os.MkdirAll(cpus, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cpus, "cpulist"), []byte("4-7\n"), 0o644))
	set, err := readNodeCPUs(root, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, set.Count())
}
