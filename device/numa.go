package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const objectIDRegionMask = 0xfffff

// bindNUMA moves every thread of the process onto the CPUs of the board's
// NUMA node. Failures are logged and otherwise ignored.
func (d *Device) bindNUMA() {
	if !d.cfg.NUMA {
		return
	}
	l := d.l.WithField("handle", d.handle)

	node, err := readNUMANode(d.cfg.SysfsRoot, d.objectID)
	if err != nil {
		l.WithError(err).Debug("Unable to determine NUMA node")
		return
	}
	d.numaNode = node
	if node < 0 {
		return
	}

	cpus, err := readNodeCPUs(d.cfg.SysfsRoot, node)
	if err != nil {
		l.WithError(err).WithField("node", node).Warn("Unable to read NUMA node CPUs")
		return
	}

	n, err := setProcessAffinity(cpus)
	if err != nil {
		l.WithError(err).WithField("node", node).Warn("Failed to set CPU affinity")
		return
	}
	l.WithFields(logrus.Fields{"node": node, "threads": n}).Debug("Bound process to NUMA node")
}

func readNUMANode(sysfs string, objectID uint64) (int, error) {
	p := filepath.Join(sysfs, "class", "fpga_region",
		fmt.Sprintf("region%d", objectID&objectIDRegionMask), "device", "numa_node")
	b, err := os.ReadFile(p)
	if err != nil {
		return -1, err
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return -1, fmt.Errorf("parse %s: %w", p, err)
	}
	return node, nil
}

func readNodeCPUs(sysfs string, node int) (*unix.CPUSet, error) {
	p := filepath.Join(sysfs, "devices", "system", "node", fmt.Sprintf("node%d", node), "cpulist")
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(b)))
}

// parseCPUList parses the kernel's "0-3,8,10-11" format.
func parseCPUList(s string) (*unix.CPUSet, error) {
	var set unix.CPUSet
	if s == "" {
		return nil, fmt.Errorf("empty cpu list")
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}
		for cpu := first; cpu <= last; cpu++ {
			set.Set(cpu)
		}
	}
	return &set, nil
}

// setProcessAffinity applies set to every thread in the process and returns
// how many threads were updated.
func setProcessAffinity(set *unix.CPUSet) (int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, set); err != nil {
			// threads can exit while we walk the list
			if err == unix.ESRCH {
				continue
			}
			return n, fmt.Errorf("thread %d: %w", tid, err)
		}
		n++
	}
	return n, nil
}
