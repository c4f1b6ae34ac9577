package resource

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// cgroupsPath is the root under which each instance's accounting cgroup
// lives, one directory per instance ID. A var rather than a const so
// tests can point it at a fixture directory.
var cgroupsPath = `/sys/fs/cgroup/system.slice/system-aos\x2dservice.slice`

const (
	cpuUsageFile = "cpu.stat"
	memUsageFile = "memory.current"
)

// getInstanceCPUUsage reads the cumulative usage_usec field out of an
// instance's cpu.stat cgroup v2 file.
func getInstanceCPUUsage(instanceID string) (uint64, error) {
	path := filepath.Join(cgroupsPath, instanceID, cpuUsageFile)

	file, err := os.Open(path)
	if err != nil {
		return 0, &core.ErrNotFound{Resource: "instance cpu.stat", Key: instanceID}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}

		if fields[0] != "usage_usec" {
			continue
		}

		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}

		return value, nil
	}

	return 0, &core.ErrNotFound{Resource: "instance cpu.stat usage_usec", Key: instanceID}
}

// getInstanceRAMUsage reads an instance's memory.current cgroup v2 file.
func getInstanceRAMUsage(instanceID string) (uint64, error) {
	path := filepath.Join(cgroupsPath, instanceID, memUsageFile)

	file, err := os.Open(path)
	if err != nil {
		return 0, &core.ErrNotFound{Resource: "instance memory.current", Key: instanceID}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, fmt.Errorf("read %s: empty file", path)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	return value, nil
}
