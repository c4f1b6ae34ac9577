package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/image"
	"github.com/aosedge/aos_servicemanager/internal/launcher"
	"github.com/aosedge/aos_servicemanager/internal/network"
	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/store"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// RunInstances implements upstream.RunInstancesHandler, the cloud
// manager's single entry point for declaring desired state. Step 1
// (array-size validation) is a hard whole-request failure; every later
// step tolerates and reports per-instance errors rather than aborting the
// batch, matching the "partial success is expected" contract.
func (o *Orchestrator) RunInstances(
	services []upstream.ServiceInfo, layers []upstream.LayerInfo, instances []upstream.InstanceInfo, forceRestart bool,
) error {
	ctx := context.Background()

	if len(services) > store.MaxNumServices {
		return &core.ErrNoMemory{Resource: "services", Capacity: store.MaxNumServices}
	}

	if len(layers) > store.MaxNumLayers {
		return &core.ErrNoMemory{Resource: "layers", Capacity: store.MaxNumLayers}
	}

	if len(instances) > store.MaxNumInstances {
		return &core.ErrNoMemory{Resource: "instances", Capacity: store.MaxNumInstances}
	}

	o.logger.Info("run instances requested",
		"services", len(services), "layers", len(layers), "instances", len(instances), "forceRestart", forceRestart)

	if err := o.reconcileLayers(ctx, layers); err != nil {
		o.logger.Error("reconcile layers failed", "error", err)
	}

	if err := o.reconcileServices(ctx, services); err != nil {
		o.logger.Error("reconcile services failed", "error", err)
	}

	o.reconcileInstances(ctx, instances, forceRestart)

	o.publishAggregateStatus()

	return nil
}

// reconcileServices upserts every desired service into PS, installing
// missing archives through the image handler, then marks anything PS
// still holds that is no longer desired as Cached and garbage-collects
// Cached services past ServiceTTL.
func (o *Orchestrator) reconcileServices(ctx context.Context, services []upstream.ServiceInfo) error {
	existing, err := o.services.GetAllServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	desired := make(map[string]bool, len(services))

	for _, svc := range services {
		desired[serviceKey(svc.ServiceID, svc.Version)] = true

		if hasService(existing, svc.ServiceID, svc.Version) {
			continue
		}

		if err := o.installService(ctx, svc); err != nil {
			o.logger.Error("install service failed", "serviceID", svc.ServiceID, "version", svc.Version, "error", err)
		}
	}

	for _, svc := range existing {
		if desired[serviceKey(svc.ServiceID, svc.Version)] {
			continue
		}

		if err := o.retireService(ctx, svc); err != nil {
			o.logger.Error("retire service failed", "serviceID", svc.ServiceID, "version", svc.Version, "error", err)
		}
	}

	return nil
}

func (o *Orchestrator) installService(ctx context.Context, svc upstream.ServiceInfo) error {
	installDir, space, err := o.images.InstallService(ctx, svc.URL, o.cfg.ServicesInstallDir, image.ServiceInfo{
		ServiceID: svc.ServiceID,
		Version:   svc.Version,
		URL:       svc.URL,
		Sha256:    svc.Sha256,
		Size:      svc.Size,
		GID:       svc.GID,
	})
	if err != nil {
		return err
	}

	return o.services.AddService(ctx, &core.Service{
		ServiceID:      svc.ServiceID,
		Version:        svc.Version,
		ImagePath:      installDir,
		ManifestDigest: svc.Sha256,
		State:          core.StateActive,
		Timestamp:      time.Now(),
		SizeBytes:      space.Size(),
		GID:            svc.GID,
	})
}

func (o *Orchestrator) retireService(ctx context.Context, svc core.Service) error {
	if svc.State == core.StateCached && time.Since(svc.Timestamp) > o.cfg.ServiceTTL {
		return o.services.RemoveService(ctx, svc.ServiceID, svc.Version)
	}

	if svc.State != core.StateCached {
		svc.State = core.StateCached
		svc.Timestamp = time.Now()

		return o.services.UpdateService(ctx, &svc)
	}

	return nil
}

// reconcileLayers mirrors reconcileServices for the layers table.
func (o *Orchestrator) reconcileLayers(ctx context.Context, layers []upstream.LayerInfo) error {
	existing, err := o.layers.GetAllLayers(ctx)
	if err != nil {
		return fmt.Errorf("list layers: %w", err)
	}

	desired := make(map[string]bool, len(layers))

	for _, layer := range layers {
		desired[layer.Digest] = true

		if hasLayer(existing, layer.Digest) {
			continue
		}

		if err := o.installLayer(ctx, layer); err != nil {
			o.logger.Error("install layer failed", "digest", layer.Digest, "error", err)
		}
	}

	for _, layer := range existing {
		if desired[layer.Digest] {
			continue
		}

		if err := o.retireLayer(ctx, layer); err != nil {
			o.logger.Error("retire layer failed", "digest", layer.Digest, "error", err)
		}
	}

	return nil
}

func (o *Orchestrator) installLayer(ctx context.Context, layer upstream.LayerInfo) error {
	installDir, space, err := o.images.InstallLayer(ctx, layer.URL, o.cfg.LayersInstallDir, image.LayerInfo{
		Digest: layer.Digest,
		URL:    layer.URL,
		Sha256: layer.Sha256,
		Size:   layer.Size,
	})
	if err != nil {
		return err
	}

	return o.layers.AddLayer(ctx, &core.Layer{
		Digest:    layer.Digest,
		LayerID:   layer.LayerID,
		Path:      installDir,
		Version:   layer.Version,
		State:     core.StateActive,
		Timestamp: time.Now(),
		SizeBytes: space.Size(),
	})
}

func (o *Orchestrator) retireLayer(ctx context.Context, layer core.Layer) error {
	if layer.State == core.StateCached && time.Since(layer.Timestamp) > o.cfg.LayerTTL {
		return o.layers.RemoveLayer(ctx, layer.Digest)
	}

	if layer.State != core.StateCached {
		layer.State = core.StateCached
		layer.Timestamp = time.Now()

		return o.layers.UpdateLayer(ctx, &layer)
	}

	return nil
}

// reconcileInstances diffs desired against running instances, stops
// removed ones, starts added ones, and restarts everything when
// forceRestart is set. Per-instance provisioning (network attach, unit
// start, monitor registration) fans out with bounded concurrency, adapted
// from the teacher's N-worker async processor: a one-shot batch rather
// than a persistent queue, since RunInstances is a single synchronous
// call rather than an ongoing ingestion pipeline.
func (o *Orchestrator) reconcileInstances(ctx context.Context, wanted []upstream.InstanceInfo, forceRestart bool) {
	running, err := o.instances.GetAllInstances(ctx)
	if err != nil {
		o.logger.Error("list instances failed", "error", err)
		return
	}

	runningByID := make(map[string]core.Instance, len(running))
	for _, inst := range running {
		runningByID[inst.InstanceID] = inst
	}

	desiredByID := make(map[string]upstream.InstanceInfo, len(wanted))
	for _, inst := range wanted {
		desiredByID[instanceKey(inst.ServiceID, inst.SubjectID, inst.InstanceIndex)] = inst
	}

	var toStop []string

	for id := range runningByID {
		if _, keep := desiredByID[id]; !keep {
			toStop = append(toStop, id)
		}
	}

	var toStart []upstream.InstanceInfo

	for id, inst := range desiredByID {
		_, alreadyRunning := runningByID[id]
		if !alreadyRunning || forceRestart {
			toStart = append(toStart, inst)
		}

		if alreadyRunning && forceRestart {
			toStop = append(toStop, id)
		}
	}

	fanOut(toStop, o.cfg.MaxConcurrentProvisions, func(id string) { o.stopInstance(ctx, id) })
	fanOut(toStart, o.cfg.MaxConcurrentProvisions, func(inst upstream.InstanceInfo) { o.startInstance(ctx, inst) })
}

// fanOut runs fn over items with at most limit goroutines in flight,
// blocking until every item has been processed. Adapted from the
// teacher's N-worker async processor as a one-shot batch rather than a
// persistent queue, since each RunInstances call provisions a fixed set
// of instances once rather than ingesting an open-ended stream.
func fanOut[T any](items []T, limit int, fn func(T)) {
	if len(items) == 0 {
		return
	}

	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}

		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()

			fn(item)
		}(item)
	}

	wg.Wait()
}

func (o *Orchestrator) stopInstance(ctx context.Context, instanceID string) {
	o.logger.Debug("stopping instance", "instanceID", instanceID)

	if err := o.units.StopInstance(ctx, instanceID); err != nil {
		o.logger.Error("stop unit failed", "instanceID", instanceID, "error", err)
	}

	if err := o.traffic.StopInstanceMonitoring(ctx, instanceID); err != nil {
		o.logger.Error("stop traffic monitoring failed", "instanceID", instanceID, "error", err)
	}

	o.sampler.RemoveInstanceCache(instanceID)

	o.mu.Lock()
	net, hasNet := o.instanceNetwork[instanceID]
	rt := o.instanceRuntime[instanceID]
	delete(o.instanceNetwork, instanceID)
	delete(o.instanceRuntime, instanceID)
	o.mu.Unlock()

	if hasNet {
		if err := o.attacher.DeleteNetworkList(ctx, net, rt); err != nil {
			o.logger.Error("detach network failed", "instanceID", instanceID, "error", err)
		}
	}

	if err := o.instances.RemoveInstance(ctx, instanceID); err != nil && !core.IsNotFound(err) {
		o.logger.Error("remove instance record failed", "instanceID", instanceID, "error", err)
	}

	o.setStatus(instanceID, launcher.RunStatus{InstanceID: instanceID, State: launcher.RunStateFailed})
}

func (o *Orchestrator) startInstance(ctx context.Context, inst upstream.InstanceInfo) {
	instanceID := instanceKey(inst.ServiceID, inst.SubjectID, inst.InstanceIndex)

	o.logger.Debug("starting instance", "instanceID", instanceID)

	ident := core.Identifier{ServiceID: inst.ServiceID, SubjectID: inst.SubjectID, InstanceIndex: uint64(inst.InstanceIndex)}

	netParams, attached, err := o.attachNetwork(ctx, instanceID, ident)
	if err != nil {
		o.logger.Error("attach network failed", "instanceID", instanceID, "error", err)
	}

	status := o.units.StartInstance(ctx, instanceID, launcher.RunParameters{})

	record := &core.Instance{
		InstanceID:  instanceID,
		Ident:       ident,
		UID:         inst.UID,
		Priority:    uint32(inst.Priority),
		StoragePath: inst.StoragePath,
		StatePath:   inst.StatePath,
		Network:     netParams,
	}

	if err := o.instances.AddInstance(ctx, record); err != nil {
		if core.IsAlreadyExists(err) {
			err = o.instances.UpdateInstance(ctx, record)
		}

		if err != nil {
			o.logger.Error("persist instance record failed", "instanceID", instanceID, "error", err)
		}
	}

	if attached && status.Err == nil {
		if err := o.traffic.StartInstanceMonitoring(ctx, instanceID, netParams.IP, 0, 0); err != nil {
			o.logger.Error("start traffic monitoring failed", "instanceID", instanceID, "error", err)
		}
	}

	o.setStatus(instanceID, status)
}

// attachNetwork looks up the network registered (via UpdateNetworks)
// under a NetworkID equal to the instance's ServiceID and runs the CNI
// pipeline against it. The wire RunInstances message carries no explicit
// per-instance network reference, so SM groups instances onto the
// network published for their owning service; an instance whose service
// has no matching network is started without one (logged, not fatal).
func (o *Orchestrator) attachNetwork(
	ctx context.Context, instanceID string, ident core.Identifier,
) (core.NetworkParameters, bool, error) {
	params, ok, err := o.networkForService(ctx, ident.ServiceID)
	if err != nil {
		return core.NetworkParameters{}, false, err
	}

	if !ok {
		return core.NetworkParameters{}, false, nil
	}

	netList := buildNetworkList(params)
	rt := network.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       "/var/run/netns/" + instanceID,
		IfName:      "eth0",
	}

	if _, err := o.attacher.AddNetworkList(ctx, netList, rt); err != nil {
		return core.NetworkParameters{}, false, err
	}

	o.mu.Lock()
	o.instanceNetwork[instanceID] = netList
	o.instanceRuntime[instanceID] = rt
	o.mu.Unlock()

	return params, true, nil
}

func (o *Orchestrator) setStatus(instanceID string, status launcher.RunStatus) {
	entry := upstream.InstanceStatus{InstanceID: instanceID, State: status.State.String()}
	if status.Err != nil {
		entry.ErrorMsg = status.Err.Error()
	}

	o.mu.Lock()
	o.statuses[instanceID] = entry
	o.mu.Unlock()

	o.publish(realtime.EventTypeUpdateInstancesStatus, map[string]interface{}{
		"payload": upstream.InstancesStatus{Instances: []upstream.InstanceStatus{entry}},
	})
}

func (o *Orchestrator) publishAggregateStatus() {
	statuses, _ := o.GetCurrentRunStatus()

	o.publish(realtime.EventTypeRunInstancesStatus, map[string]interface{}{
		"payload": upstream.InstancesStatus{Instances: statuses},
	})
}

func (o *Orchestrator) publish(eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}

	if err := o.bus.Publish(*realtime.NewEvent(eventType, data, realtime.EventSourceOrchestrator)); err != nil {
		o.logger.Warn("publish event failed", "type", eventType, "error", err)
	}
}

func serviceKey(serviceID, version string) string { return serviceID + "@" + version }

func hasService(services []core.Service, serviceID, version string) bool {
	for _, svc := range services {
		if svc.ServiceID == serviceID && svc.Version == version {
			return true
		}
	}

	return false
}

func hasLayer(layers []core.Layer, digest string) bool {
	for _, layer := range layers {
		if layer.Digest == digest {
			return true
		}
	}

	return false
}
