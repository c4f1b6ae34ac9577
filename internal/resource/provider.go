package resource

import (
	"runtime"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const bytesPerKilobyte = 1024

// NewUsageProvider constructs a UsageProvider. traffic may be nil, in which
// case NodeData/InstanceData are returned with zero Download/Upload.
func NewUsageProvider(traffic TrafficSource) *UsageProvider {
	return &UsageProvider{
		cpuCount:    runtime.NumCPU(),
		traffic:     traffic,
		instanceCPU: make(map[string]cpuSample),
	}
}

// GetNodeData samples whole-node CPU, RAM, the given partitions' used
// size, and system network traffic.
func (p *UsageProvider) GetNodeData(partitions []PartitionUsage) (NodeData, error) {
	var data NodeData

	cpu, err := p.getSystemCPUUsage()
	if err != nil {
		return NodeData{}, &core.ErrRuntime{Component: "resource", Cause: err}
	}

	data.CPU = cpu

	ram, err := getSystemRAMUsage()
	if err != nil {
		return NodeData{}, &core.ErrRuntime{Component: "resource", Cause: err}
	}

	data.RAM = ram

	data.Partitions = make([]PartitionUsage, len(partitions))

	for i, part := range partitions {
		used, err := getSystemDiskUsage(part.Path)
		if err != nil {
			return NodeData{}, &core.ErrRuntime{Component: "resource", Cause: err}
		}

		data.Partitions[i] = PartitionUsage{Name: part.Name, Path: part.Path, UsedSize: used}
	}

	if p.traffic != nil {
		data.Download, data.Upload = p.traffic.GetSystemData()
	}

	return data, nil
}

// GetInstanceData samples one instance's CPU, RAM, the given partitions'
// used size (resolved against uid via filesystem quota), and its network
// traffic.
func (p *UsageProvider) GetInstanceData(
	instanceID string, uid uint32, partitions []PartitionUsage,
) (InstanceData, error) {
	var data InstanceData

	ram, err := getInstanceRAMUsage(instanceID)
	if err != nil {
		return InstanceData{}, err
	}

	data.RAM = ram

	cpuUsage, err := getInstanceCPUUsage(instanceID)
	if err != nil {
		return InstanceData{}, err
	}

	data.CPU = p.computeInstanceCPUPercent(instanceID, cpuUsage)

	data.Partitions = make([]PartitionUsage, len(partitions))

	for i, part := range partitions {
		used, err := getInstanceDiskUsage(part.Path, uid)
		if err != nil && !core.IsNotSupported(err) {
			return InstanceData{}, err
		}

		data.Partitions[i] = PartitionUsage{Name: part.Name, Path: part.Path, UsedSize: used}
	}

	if p.traffic != nil {
		data.Download, data.Upload, _ = p.traffic.GetInstanceTraffic(instanceID)
	}

	return data, nil
}

// computeInstanceCPUPercent turns a raw cumulative usec counter into a
// percentage relative to the previous sample for the same instance,
// resetting the baseline if the counter went backwards (cgroup recreated).
func (p *UsageProvider) computeInstanceCPUPercent(instanceID string, usageUsec uint64) float64 {
	p.instanceCPUMu.Lock()
	defer p.instanceCPUMu.Unlock()

	cached := p.instanceCPU[instanceID]
	if cached.total > usageUsec {
		cached.total = 0
	}

	now := time.Now()

	var percent float64

	deltaMicros := float64(now.Sub(cached.timestamp).Microseconds())
	if cached.timestamp.IsZero() {
		deltaMicros = 0
	}

	if deltaMicros > 0 && p.cpuCount > 0 {
		percent = float64(usageUsec-cached.total) * 100.0 / deltaMicros / float64(p.cpuCount)
	}

	p.instanceCPU[instanceID] = cpuSample{total: usageUsec, timestamp: now}

	return percent
}

// RemoveInstanceCache drops the cached CPU baseline for an instance that no
// longer exists, so a future instance reusing the same ID starts fresh.
func (p *UsageProvider) RemoveInstanceCache(instanceID string) {
	p.instanceCPUMu.Lock()
	defer p.instanceCPUMu.Unlock()

	delete(p.instanceCPU, instanceID)
}
