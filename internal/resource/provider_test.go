package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGetSystemCPUUsageComputesDeltaUtilization(t *testing.T) {
	dir := t.TempDir()
	statFile := filepath.Join(dir, "stat")
	sysCPUUsageFile = statFile

	defer func() { sysCPUUsageFile = "/proc/stat" }()

	writeFile(t, statFile, "cpu  100 0 100 800 0 0 0 0 0 0\nintr 12345\n")

	p := NewUsageProvider(nil)

	_, err := p.getSystemCPUUsage()
	require.NoError(t, err)

	writeFile(t, statFile, "cpu  150 0 150 850 0 0 0 0 0 0\nintr 12346\n")

	utilization, err := p.getSystemCPUUsage()
	require.NoError(t, err)

	// idle delta 50, total delta (150-100)+(150-100)+(850-800)=150 -> 1 - 50/150 = 0.666..
	require.InDelta(t, 66.66, utilization, 0.1)
}

func TestGetSystemRAMUsage(t *testing.T) {
	dir := t.TempDir()
	memFile := filepath.Join(dir, "meminfo")
	memInfoFile = memFile

	defer func() { memInfoFile = "/proc/meminfo" }()

	writeFile(t, memFile, "MemTotal:       1000 kB\n"+
		"MemFree:         200 kB\n"+
		"Buffers:          50 kB\n"+
		"Cached:          100 kB\n"+
		"SReclaimable:     50 kB\n")

	used, err := getSystemRAMUsage()
	require.NoError(t, err)
	require.Equal(t, uint64(600*bytesPerKilobyte), used)
}

func TestGetSystemDiskUsage(t *testing.T) {
	used, err := getSystemDiskUsage("/")
	require.NoError(t, err)
	require.GreaterOrEqual(t, used, uint64(0))
}

func TestGetInstanceCPUUsage(t *testing.T) {
	dir := t.TempDir()
	cgroupsPath = dir

	defer func() { cgroupsPath = `/sys/fs/cgroup/system.slice/system-aos\x2dservice.slice` }()

	writeFile(t, filepath.Join(dir, "inst-1", "cpu.stat"), "usage_usec 123456\nuser_usec 100000\n")

	usage, err := getInstanceCPUUsage("inst-1")
	require.NoError(t, err)
	require.Equal(t, uint64(123456), usage)
}

func TestGetInstanceCPUUsageMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	cgroupsPath = dir

	defer func() { cgroupsPath = `/sys/fs/cgroup/system.slice/system-aos\x2dservice.slice` }()

	_, err := getInstanceCPUUsage("missing-instance")
	require.Error(t, err)
	require.True(t, core.IsNotFound(err))
}

func TestGetInstanceRAMUsage(t *testing.T) {
	dir := t.TempDir()
	cgroupsPath = dir

	defer func() { cgroupsPath = `/sys/fs/cgroup/system.slice/system-aos\x2dservice.slice` }()

	writeFile(t, filepath.Join(dir, "inst-2", "memory.current"), "4096\n")

	usage, err := getInstanceRAMUsage("inst-2")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), usage)
}

func TestComputeInstanceCPUPercentResetsOnCounterRegression(t *testing.T) {
	p := NewUsageProvider(nil)

	first := p.computeInstanceCPUPercent("inst-3", 1000)
	require.Equal(t, 0.0, first)

	// A lower counter than cached.total means the cgroup was recreated;
	// the baseline resets to zero rather than going negative.
	second := p.computeInstanceCPUPercent("inst-3", 500)
	require.GreaterOrEqual(t, second, 0.0)
}

func TestRemoveInstanceCache(t *testing.T) {
	p := NewUsageProvider(nil)
	p.computeInstanceCPUPercent("inst-4", 1000)

	p.RemoveInstanceCache("inst-4")

	p.instanceCPUMu.Lock()
	_, ok := p.instanceCPU["inst-4"]
	p.instanceCPUMu.Unlock()

	require.False(t, ok)
}

type fakeTraffic struct {
	sysIn, sysOut   uint64
	instIn, instOut uint64
	ok              bool
}

func (f *fakeTraffic) GetSystemData() (uint64, uint64) { return f.sysIn, f.sysOut }

func (f *fakeTraffic) GetInstanceTraffic(instanceID string) (uint64, uint64, bool) {
	return f.instIn, f.instOut, f.ok
}

func TestGetNodeDataIncludesTraffic(t *testing.T) {
	dir := t.TempDir()
	statFile := filepath.Join(dir, "stat")
	memFile := filepath.Join(dir, "meminfo")
	sysCPUUsageFile = statFile
	memInfoFile = memFile

	defer func() {
		sysCPUUsageFile = "/proc/stat"
		memInfoFile = "/proc/meminfo"
	}()

	writeFile(t, statFile, "cpu  100 0 100 800 0 0 0 0 0 0\n")
	writeFile(t, memFile, "MemTotal:       1000 kB\nMemFree: 500 kB\n")

	traffic := &fakeTraffic{sysIn: 10, sysOut: 20}
	p := NewUsageProvider(traffic)

	data, err := p.GetNodeData([]PartitionUsage{{Name: "root", Path: "/"}})
	require.NoError(t, err)
	require.Equal(t, uint64(10), data.Download)
	require.Equal(t, uint64(20), data.Upload)
	require.Len(t, data.Partitions, 1)
}

func TestPathToDeviceResolvesRoot(t *testing.T) {
	device, err := pathToDevice("/")
	require.NoError(t, err)
	require.NotEmpty(t, device)
}
