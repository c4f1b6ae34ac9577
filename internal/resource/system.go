package resource

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// sysCPUUsageFile and memInfoFile are package vars rather than consts so
// tests can point them at fixture files.
var (
	sysCPUUsageFile = "/proc/stat"
	memInfoFile     = "/proc/meminfo"
)

const (
	cpuUsageIdleIndex  = 3
	cpuUsageMinEntries = 4
)

var kilobyteUnits = map[string]uint64{
	"B":  1,
	"KB": bytesPerKilobyte,
	"MB": bytesPerKilobyte * bytesPerKilobyte,
	"GB": bytesPerKilobyte * bytesPerKilobyte * bytesPerKilobyte,
	"TB": bytesPerKilobyte * bytesPerKilobyte * bytesPerKilobyte * bytesPerKilobyte,
}

var memInfoLine = regexp.MustCompile(`^(\w+):\s+(\d+)\s+(\w+)?`)

// getSystemCPUUsage reads the aggregate "cpu" line of /proc/stat and
// returns the utilization percentage since the previous call. The first
// call after process start returns a value relative to a zero baseline
// and so is not meaningful; callers sample on an interval and discard the
// first reading.
func (p *UsageProvider) getSystemCPUUsage() (float64, error) {
	file, err := os.Open(sysCPUUsageFile)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", sysCPUUsageFile, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, fmt.Errorf("read %s: empty file", sysCPUUsageFile)
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 || fields[0] != "cpu" {
		return 0, fmt.Errorf("read %s: unexpected first line", sysCPUUsageFile)
	}

	fields = fields[1:]

	if len(fields) < cpuUsageMinEntries {
		return 0, fmt.Errorf("read %s: too few cpu fields", sysCPUUsageFile)
	}

	var stats []uint64

	var total uint64

	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			break
		}

		stats = append(stats, v)
		total += v
	}

	if len(stats) < cpuUsageMinEntries {
		return 0, fmt.Errorf("read %s: too few numeric cpu fields", sysCPUUsageFile)
	}

	current := cpuSample{idle: stats[cpuUsageIdleIndex], total: total, timestamp: time.Now()}

	idleDelta := float64(current.idle) - float64(p.prevSystemCPU.idle)
	totalDelta := float64(current.total) - float64(p.prevSystemCPU.total)

	var utilization float64

	if totalDelta > 0 {
		utilization = 100.0 * (1.0 - idleDelta/totalDelta)
	}

	p.prevSystemCPU = current

	return utilization, nil
}

// getSystemRAMUsage reads /proc/meminfo and computes used memory as
// total - free - buffers - cached - reclaimable slab.
func getSystemRAMUsage() (uint64, error) {
	file, err := os.Open(memInfoFile)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", memInfoFile, err)
	}
	defer file.Close()

	var total, free, buffers, cached, reclaimable uint64

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		match := memInfoLine.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}

		value, err := strconv.ParseUint(match[2], 10, 64)
		if err != nil {
			continue
		}

		if unit, ok := kilobyteUnits[strings.ToUpper(match[3])]; ok {
			value *= unit
		}

		switch match[1] {
		case "MemTotal":
			total = value
		case "MemFree":
			free = value
		case "Buffers":
			buffers = value
		case "Cached":
			cached = value
		case "SReclaimable":
			reclaimable = value
		}
	}

	used := total - free - buffers - cached - reclaimable
	if used > total {
		return 0, fmt.Errorf("read %s: computed usage exceeds total memory", memInfoFile)
	}

	return used, nil
}

// getSystemDiskUsage returns the used bytes of the filesystem mounted at
// path, via statvfs.
func getSystemDiskUsage(path string) (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	used := stat.Blocks - stat.Bfree

	return used * uint64(stat.Bsize), nil
}
