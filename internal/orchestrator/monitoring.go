package orchestrator

import (
	"context"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/resource"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// monitoringState accumulates node samples taken every PollPeriod over the
// current AverageWindow: CPU and RAM are a running mean, Download and
// Upload are the running sum of the window's samples. The exact averaging
// formula belongs to an external SDK this tree does not carry (see
// DESIGN.md); a plain cumulative-mean reset at each window boundary is
// the simplest algorithm that satisfies "average over the window" and is
// what the teacher's own stateful sampling (UsageProvider's CPU delta)
// already does for a single sample pair.
type monitoringState struct {
	windowStart time.Time
	sampleCount int
	cpuSum      float64
	ramSum      uint64
	downloadSum uint64
	uploadSum   uint64
	last        upstream.NodeMonitoring
}

func (s *monitoringState) add(now time.Time, data resource.NodeData, window time.Duration) {
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= window {
		s.windowStart = now
		s.sampleCount = 0
		s.cpuSum, s.ramSum, s.downloadSum, s.uploadSum = 0, 0, 0, 0
	}

	s.sampleCount++
	s.cpuSum += data.CPU
	s.ramSum += data.RAM
	s.downloadSum += data.Download
	s.uploadSum += data.Upload

	s.last = upstream.NodeMonitoring{
		Timestamp: now,
		CPU:       s.cpuSum / float64(s.sampleCount),
		RAM:       s.ramSum / uint64(s.sampleCount),
		Download:  s.downloadSum,
		Upload:    s.uploadSum,
	}
}

// GetAverageMonitoringData implements upstream.MonitoringSource, serving
// the most recently computed running average for the current window.
func (o *Orchestrator) GetAverageMonitoringData() (upstream.NodeMonitoring, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.monitoring.last, nil
}

// StartMonitoring begins the periodic node sampling loop: every
// PollPeriod it takes one NodeData sample, publishes it as instant
// telemetry, and folds it into the average window GetAverageMonitoringData
// serves. Call StopMonitoring to halt it.
func (o *Orchestrator) StartMonitoring(ctx context.Context, partitions []resource.PartitionUsage) {
	runCtx, cancel := context.WithCancel(ctx)
	o.monitoringCancel = cancel
	o.monitoringDone = make(chan struct{})

	go o.monitorLoop(runCtx, partitions)
}

// StopMonitoring halts the periodic sampling loop started by
// StartMonitoring.
func (o *Orchestrator) StopMonitoring() {
	if o.monitoringCancel == nil {
		return
	}

	o.monitoringCancel()
	<-o.monitoringDone
}

func (o *Orchestrator) monitorLoop(ctx context.Context, partitions []resource.PartitionUsage) {
	defer close(o.monitoringDone)

	ticker := time.NewTicker(o.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sampleNode(partitions)
		}
	}
}

func (o *Orchestrator) sampleNode(partitions []resource.PartitionUsage) {
	data, err := o.sampler.GetNodeData(partitions)
	if err != nil {
		o.logger.Error("sample node data failed", "error", err)
		return
	}

	now := time.Now()

	o.mu.Lock()
	o.monitoring.add(now, data, o.cfg.AverageWindow)
	instant := upstream.NodeMonitoring{Timestamp: now, CPU: data.CPU, RAM: data.RAM, Download: data.Download, Upload: data.Upload}
	o.mu.Unlock()

	o.publish(realtime.EventTypeInstantMonitoring, map[string]interface{}{"payload": instant})
}
