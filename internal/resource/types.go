// Package resource implements node and instance resource usage sampling:
// system CPU/RAM/disk usage from /proc and statvfs, per-instance CPU/RAM
// usage from cgroup v2 accounting files, and per-instance disk usage via
// filesystem quotas, grounded on the original implementation's
// monitoring/resourceusageprovider.cpp.
package resource

import (
	"sync"
	"time"
)

// PartitionUsage is one monitored filesystem partition's used size.
type PartitionUsage struct {
	Name     string
	Path     string
	UsedSize uint64
}

// NodeData is one sample of the whole node's resource usage.
type NodeData struct {
	CPU        float64
	RAM        uint64
	Partitions []PartitionUsage
	Download   uint64
	Upload     uint64
}

// InstanceData is one sample of a single instance's resource usage.
type InstanceData struct {
	CPU        float64
	RAM        uint64
	Partitions []PartitionUsage
	Download   uint64
	Upload     uint64
}

// TrafficSource reports accumulated system and per-instance network byte
// counters, satisfied by internal/traffic.Monitor.
type TrafficSource interface {
	GetSystemData() (in, out uint64)
	GetInstanceTraffic(instanceID string) (in, out uint64, ok bool)
}

// cpuSample is one raw CPU-time sample, used to compute a utilization
// delta against the previous sample.
type cpuSample struct {
	idle      uint64
	total     uint64
	timestamp time.Time
}

// UsageProvider samples system and instance resource usage. It keeps the
// previous system CPU sample and a per-instance CPU sample cache so that
// CPU(%) can be reported as a delta between consecutive calls, matching
// the teacher's stateful sampling model.
type UsageProvider struct {
	cpuCount int

	traffic TrafficSource

	prevSystemCPU cpuSample

	instanceCPUMu sync.Mutex
	instanceCPU   map[string]cpuSample
}
