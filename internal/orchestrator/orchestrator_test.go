package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/image"
	"github.com/aosedge/aos_servicemanager/internal/journal"
	"github.com/aosedge/aos_servicemanager/internal/launcher"
	"github.com/aosedge/aos_servicemanager/internal/network"
	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/resource"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSpace is the trivial image.Space fake every install path needs.
type fakeSpace struct{ size uint64 }

func (s fakeSpace) Size() uint64                      { return s.size }
func (s fakeSpace) Resize(ctx context.Context, n uint64) error { return nil }
func (s fakeSpace) Release(ctx context.Context) error { return nil }

type fakeInstances struct {
	mu   sync.Mutex
	data map[string]core.Instance
}

func newFakeInstances() *fakeInstances { return &fakeInstances{data: make(map[string]core.Instance)} }

func (f *fakeInstances) AddInstance(ctx context.Context, inst *core.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.data[inst.InstanceID]; ok {
		return &core.ErrAlreadyExists{Resource: "instance", Key: inst.InstanceID}
	}

	f.data[inst.InstanceID] = *inst

	return nil
}

func (f *fakeInstances) UpdateInstance(ctx context.Context, inst *core.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[inst.InstanceID] = *inst

	return nil
}

func (f *fakeInstances) RemoveInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.data[instanceID]; !ok {
		return &core.ErrNotFound{Resource: "instance", Key: instanceID}
	}

	delete(f.data, instanceID)

	return nil
}

func (f *fakeInstances) GetAllInstances(ctx context.Context) ([]core.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]core.Instance, 0, len(f.data))
	for _, inst := range f.data {
		out = append(out, inst)
	}

	return out, nil
}

type fakeServices struct {
	mu   sync.Mutex
	data map[string]core.Service
}

func newFakeServices() *fakeServices { return &fakeServices{data: make(map[string]core.Service)} }

func (f *fakeServices) AddService(ctx context.Context, svc *core.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[serviceKey(svc.ServiceID, svc.Version)] = *svc

	return nil
}

func (f *fakeServices) UpdateService(ctx context.Context, svc *core.Service) error {
	return f.AddService(ctx, svc)
}

func (f *fakeServices) RemoveService(ctx context.Context, serviceID, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, serviceKey(serviceID, version))

	return nil
}

func (f *fakeServices) GetAllServices(ctx context.Context) ([]core.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]core.Service, 0, len(f.data))
	for _, svc := range f.data {
		out = append(out, svc)
	}

	return out, nil
}

type fakeLayers struct {
	mu   sync.Mutex
	data map[string]core.Layer
}

func newFakeLayers() *fakeLayers { return &fakeLayers{data: make(map[string]core.Layer)} }

func (f *fakeLayers) AddLayer(ctx context.Context, layer *core.Layer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[layer.Digest] = *layer

	return nil
}

func (f *fakeLayers) UpdateLayer(ctx context.Context, layer *core.Layer) error {
	return f.AddLayer(ctx, layer)
}

func (f *fakeLayers) RemoveLayer(ctx context.Context, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, digest)

	return nil
}

func (f *fakeLayers) GetAllLayers(ctx context.Context) ([]core.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]core.Layer, 0, len(f.data))
	for _, layer := range f.data {
		out = append(out, layer)
	}

	return out, nil
}

type fakeNetworks struct {
	mu   sync.Mutex
	data map[string]core.NetworkParameters
}

func newFakeNetworks() *fakeNetworks {
	return &fakeNetworks{data: make(map[string]core.NetworkParameters)}
}

func (f *fakeNetworks) AddNetworkInfo(ctx context.Context, info *core.NetworkParameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[info.NetworkID] = *info

	return nil
}

func (f *fakeNetworks) GetNetworksInfo(ctx context.Context) ([]core.NetworkParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]core.NetworkParameters, 0, len(f.data))
	for _, net := range f.data {
		out = append(out, net)
	}

	return out, nil
}

type fakeEnvVars struct {
	last []core.EnvVarsInstanceInfo
}

func (f *fakeEnvVars) SetOverrideEnvVars(ctx context.Context, overrides []core.EnvVarsInstanceInfo) error {
	f.last = overrides

	return nil
}

type fakeOnlineTime struct {
	mu    sync.Mutex
	total time.Duration
}

func (f *fakeOnlineTime) GetOnlineTime(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.total, nil
}

func (f *fakeOnlineTime) SetOnlineTime(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = d

	return nil
}

type fakeImages struct {
	installServiceErr error
	installLayerErr   error
}

func (f *fakeImages) InstallLayer(
	ctx context.Context, archivePath, installBasePath string, layer image.LayerInfo,
) (string, image.Space, error) {
	if f.installLayerErr != nil {
		return "", nil, f.installLayerErr
	}

	return "/layers/" + layer.Digest, fakeSpace{size: layer.Size}, nil
}

func (f *fakeImages) InstallService(
	ctx context.Context, archivePath, installBasePath string, service image.ServiceInfo,
) (string, image.Space, error) {
	if f.installServiceErr != nil {
		return "", nil, f.installServiceErr
	}

	return "/services/" + service.ServiceID, fakeSpace{size: service.Size}, nil
}

type fakeAttacher struct {
	mu      sync.Mutex
	added   int
	removed int
	addErr  error
}

func (f *fakeAttacher) AddNetworkList(
	ctx context.Context, net network.NetworkList, rt network.RuntimeConf,
) (network.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return network.Result{}, f.addErr
	}

	f.added++

	return network.Result{}, nil
}

func (f *fakeAttacher) DeleteNetworkList(ctx context.Context, net network.NetworkList, rt network.RuntimeConf) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++

	return nil
}

type fakeUnits struct {
	mu      sync.Mutex
	started []string
	stopped []string
	startErr error
}

func (f *fakeUnits) StartInstance(ctx context.Context, instanceID string, params launcher.RunParameters) launcher.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, instanceID)

	if f.startErr != nil {
		return launcher.RunStatus{InstanceID: instanceID, State: launcher.RunStateFailed, Err: f.startErr}
	}

	return launcher.RunStatus{InstanceID: instanceID, State: launcher.RunStateActive}
}

func (f *fakeUnits) StopInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)

	return nil
}

type fakeTraffic struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeTraffic) StartInstanceMonitoring(ctx context.Context, instanceID, ipAddress string, inLimit, outLimit uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, instanceID)

	return nil
}

func (f *fakeTraffic) StopInstanceMonitoring(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)

	return nil
}

type fakeSampler struct {
	mu      sync.Mutex
	removed []string
	nodeData resource.NodeData
	nodeErr  error
}

func (f *fakeSampler) GetNodeData(partitions []resource.PartitionUsage) (resource.NodeData, error) {
	if f.nodeErr != nil {
		return resource.NodeData{}, f.nodeErr
	}

	return f.nodeData, nil
}

func (f *fakeSampler) GetInstanceData(
	instanceID string, uid uint32, partitions []resource.PartitionUsage,
) (resource.InstanceData, error) {
	return resource.InstanceData{}, nil
}

func (f *fakeSampler) RemoveInstanceCache(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, instanceID)
}

type fakeLogRequester struct {
	lastSystem   string
	lastInstance core.Identifier
	lastCrash    core.Identifier
}

func (f *fakeLogRequester) GetSystemLog(ctx context.Context, logID string, from, till *time.Time) error {
	f.lastSystem = logID

	return nil
}

func (f *fakeLogRequester) GetInstanceLog(
	ctx context.Context, logID string, filter core.Identifier, from, till *time.Time,
) error {
	f.lastInstance = filter

	return nil
}

func (f *fakeLogRequester) GetInstanceCrashLog(
	ctx context.Context, logID string, filter core.Identifier, from, till *time.Time,
) error {
	f.lastCrash = filter

	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fakeBus) Publish(event realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)

	return nil
}

func (f *fakeBus) eventsOfType(eventType string) []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []realtime.Event

	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}

	return out
}

type harness struct {
	orch      *Orchestrator
	instances *fakeInstances
	services  *fakeServices
	layers    *fakeLayers
	networks  *fakeNetworks
	envVars   *fakeEnvVars
	online    *fakeOnlineTime
	images    *fakeImages
	attacher  *fakeAttacher
	units     *fakeUnits
	traffic   *fakeTraffic
	sampler   *fakeSampler
	logs      *fakeLogRequester
	bus       *fakeBus
}

func newHarness(cfg Config) *harness {
	h := &harness{
		instances: newFakeInstances(),
		services:  newFakeServices(),
		layers:    newFakeLayers(),
		networks:  newFakeNetworks(),
		envVars:   &fakeEnvVars{},
		online:    &fakeOnlineTime{},
		images:    &fakeImages{},
		attacher:  &fakeAttacher{},
		units:     &fakeUnits{},
		traffic:   &fakeTraffic{},
		sampler:   &fakeSampler{},
		logs:      &fakeLogRequester{},
		bus:       &fakeBus{},
	}

	h.orch = New(
		cfg, h.instances, h.services, h.layers, h.networks, h.envVars, h.online,
		h.images, h.attacher, h.units, h.traffic, h.sampler, h.logs, h.bus, testLogger(),
	)

	return h
}

func TestRunInstancesRejectsOversizedServiceList(t *testing.T) {
	h := newHarness(Config{})

	services := make([]upstream.ServiceInfo, 5000)

	err := h.orch.RunInstances(services, nil, nil, false)
	require.Error(t, err)
	require.True(t, core.IsNoMemory(err))
}

func TestRunInstancesInstallsAndStartsInstance(t *testing.T) {
	h := newHarness(Config{})

	err := h.orch.RunInstances(
		[]upstream.ServiceInfo{{ServiceID: "svc1", Version: "1.0", URL: "/archives/svc1.tar", Size: 10}},
		nil,
		[]upstream.InstanceInfo{{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0, UID: 5000}},
		false,
	)
	require.NoError(t, err)

	services, err := h.services.GetAllServices(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)
	require.Equal(t, core.StateActive, services[0].State)

	instanceID := instanceKey("svc1", "subj1", 0)
	h.units.mu.Lock()
	require.Contains(t, h.units.started, instanceID)
	h.units.mu.Unlock()

	statuses, err := h.orch.GetCurrentRunStatus()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, "active", statuses[0].State)

	require.NotEmpty(t, h.bus.eventsOfType(realtime.EventTypeRunInstancesStatus))
}

func TestRunInstancesStopsRemovedInstance(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.RunInstances(
		nil, nil,
		[]upstream.InstanceInfo{{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0}},
		false,
	))

	require.NoError(t, h.orch.RunInstances(nil, nil, nil, false))

	instanceID := instanceKey("svc1", "subj1", 0)
	h.units.mu.Lock()
	require.Contains(t, h.units.stopped, instanceID)
	h.units.mu.Unlock()

	instances, err := h.instances.GetAllInstances(context.Background())
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestRunInstancesForceRestartRestartsExisting(t *testing.T) {
	h := newHarness(Config{})

	desired := []upstream.InstanceInfo{{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0}}

	require.NoError(t, h.orch.RunInstances(nil, nil, desired, false))
	require.NoError(t, h.orch.RunInstances(nil, nil, desired, true))

	instanceID := instanceKey("svc1", "subj1", 0)

	h.units.mu.Lock()
	defer h.units.mu.Unlock()
	require.Contains(t, h.units.stopped, instanceID)

	startCount := 0

	for _, id := range h.units.started {
		if id == instanceID {
			startCount++
		}
	}

	require.Equal(t, 2, startCount)
}

func TestStartInstanceSkipsNetworkWhenNoneRegistered(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.RunInstances(
		nil, nil,
		[]upstream.InstanceInfo{{ServiceID: "svc-no-net", SubjectID: "s", InstanceIndex: 0}},
		false,
	))

	require.Equal(t, 0, h.attacher.added)
}

func TestStartInstanceAttachesRegisteredNetwork(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.UpdateNetworks([]upstream.NetworkParameters{
		{NetworkID: "svc1", Subnet: "172.20.0.0/24", IP: "172.20.0.2"},
	}))

	require.NoError(t, h.orch.RunInstances(
		nil, nil,
		[]upstream.InstanceInfo{{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0}},
		false,
	))

	require.Equal(t, 1, h.attacher.added)

	h.traffic.mu.Lock()
	defer h.traffic.mu.Unlock()
	require.Len(t, h.traffic.started, 1)
}

func TestOverrideEnvVars(t *testing.T) {
	h := newHarness(Config{})

	statuses, err := h.orch.OverrideEnvVars([]upstream.EnvVarsInstanceInfo{
		{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0, EnvVars: map[string]string{"FOO": "bar"}},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, "ok", statuses[0].Statuses["FOO"])
	require.Len(t, h.envVars.last, 1)
	require.Equal(t, "svc1", h.envVars.last[0].InstanceFilter.ServiceID)
}

func TestNodeConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(Config{NodeConfigFile: dir + "/node.conf"})

	version, err := h.orch.GetNodeConfigVersion()
	require.NoError(t, err)
	require.Empty(t, version)

	require.Error(t, h.orch.CheckNodeConfig("v1", ""))
	require.NoError(t, h.orch.CheckNodeConfig("v1", "v1\n{}"))

	require.NoError(t, h.orch.UpdateNodeConfig("v1", "v1\n{\"key\":true}"))

	version, err = h.orch.GetNodeConfigVersion()
	require.NoError(t, err)
	require.Equal(t, "v1", version)
}

func TestUpdateRunStatusPublishesAndStores(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.UpdateRunStatus(context.Background(), []launcher.RunStatus{
		{InstanceID: "inst1", State: launcher.RunStateActive},
	}))

	statuses, err := h.orch.GetCurrentRunStatus()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, "inst1", statuses[0].InstanceID)
	require.NotEmpty(t, h.bus.eventsOfType(realtime.EventTypeUpdateInstancesStatus))
}

func TestSendAlertPublishesUpstreamShape(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.SendAlert(context.Background(), journal.Alert{
		Kind:          journal.AlertKindCore,
		Message:       "oom",
		CoreComponent: journal.CoreComponentServiceManager,
	}))

	events := h.bus.eventsOfType(realtime.EventTypeAlert)
	require.Len(t, events, 1)

	payload, ok := events[0].Data["payload"].(upstream.AlertMessage)
	require.True(t, ok)
	require.Equal(t, "oom", payload.Message)
	require.Equal(t, "servicemanager", payload.Tag)
}

func TestOnLogReceivedPublishes(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.OnLogReceived(context.Background(), journal.PushLog{
		LogID: "log1", Status: journal.LogStatusOK, Content: []byte("hi"),
	}))

	events := h.bus.eventsOfType(realtime.EventTypePushLog)
	require.Len(t, events, 1)

	payload, ok := events[0].Data["payload"].(upstream.PushLogMessage)
	require.True(t, ok)
	require.Equal(t, "log1", payload.LogID)
	require.Equal(t, "ok", payload.Status)
}

func TestGetInstanceInfoResolvesIdentAndVersion(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.RunInstances(
		[]upstream.ServiceInfo{{ServiceID: "svc1", Version: "2.0", URL: "/a"}},
		nil,
		[]upstream.InstanceInfo{{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 3}},
		false,
	))

	instanceID := instanceKey("svc1", "subj1", 3)

	info, err := h.orch.GetInstanceInfo(context.Background(), instanceID)
	require.NoError(t, err)
	require.Equal(t, "svc1", info.Ident.ServiceID)
	require.Equal(t, "2.0", info.ServiceVersion)

	_, err = h.orch.GetInstanceInfo(context.Background(), "missing")
	require.True(t, core.IsNotFound(err))
}

func TestGetInstanceIDsFiltersByIdentifier(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.RunInstances(
		nil, nil,
		[]upstream.InstanceInfo{
			{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 0},
			{ServiceID: "svc2", SubjectID: "subj1", InstanceIndex: 0},
		},
		false,
	))

	ids, err := h.orch.GetInstanceIDs(context.Background(), core.Identifier{ServiceID: "svc1"})
	require.NoError(t, err)
	require.Equal(t, []string{instanceKey("svc1", "subj1", 0)}, ids)
}

func TestLogRequestForwarding(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.orch.GetSystemLog(context.Background(), "sys1", nil, nil))
	require.Equal(t, "sys1", h.logs.lastSystem)

	idx := 2

	require.NoError(t, h.orch.GetInstanceLog(context.Background(), "log1", "svc1", "subj1", &idx, nil, nil))
	require.Equal(t, core.Identifier{ServiceID: "svc1", SubjectID: "subj1", InstanceIndex: 2}, h.logs.lastInstance)

	require.NoError(t, h.orch.GetInstanceCrashLog(context.Background(), "log2", "svc1", "subj1", nil, nil, nil))
	require.Equal(t, core.Identifier{ServiceID: "svc1", SubjectID: "subj1"}, h.logs.lastCrash)
}

func TestMonitoringAveragesWithinWindow(t *testing.T) {
	h := newHarness(Config{})

	now := time.Now()

	h.orch.monitoring.add(now, resource.NodeData{CPU: 10, RAM: 100}, time.Minute)
	h.orch.monitoring.add(now.Add(time.Second), resource.NodeData{CPU: 20, RAM: 200}, time.Minute)

	data, err := h.orch.GetAverageMonitoringData()
	require.NoError(t, err)
	require.Equal(t, 15.0, data.CPU)
	require.Equal(t, uint64(150), data.RAM)

	h.orch.monitoring.add(now.Add(2*time.Minute), resource.NodeData{CPU: 40, RAM: 400}, time.Minute)

	data, err = h.orch.GetAverageMonitoringData()
	require.NoError(t, err)
	require.Equal(t, 40.0, data.CPU)
}

func TestTelemetryBridgeForwardsEvents(t *testing.T) {
	client := &recordingSender{}

	bridge, err := NewTelemetryBridge(context.Background(), &fakeEventBus{}, client, testLogger())
	require.NoError(t, err)
	defer bridge.Close()

	sub := bridge.(interface {
		Send(event realtime.Event) error
	})

	require.NoError(t, sub.Send(*realtime.NewEvent(
		realtime.EventTypeAlert,
		map[string]interface{}{"payload": upstream.AlertMessage{Message: "test"}},
		realtime.EventSourceOrchestrator,
	)))

	require.Len(t, client.alerts, 1)
	require.Equal(t, "test", client.alerts[0].Message)
}

type recordingSender struct {
	alerts []upstream.AlertMessage
}

func (r *recordingSender) SendAlert(alert upstream.AlertMessage) error {
	r.alerts = append(r.alerts, alert)

	return nil
}

func (r *recordingSender) OnLogReceived(log upstream.PushLogMessage) error       { return nil }
func (r *recordingSender) SendMonitoringData(data upstream.NodeMonitoring) error { return nil }
func (r *recordingSender) InstancesRunStatus(instances []upstream.InstanceStatus) error { return nil }
func (r *recordingSender) InstancesUpdateStatus(instances []upstream.InstanceStatus) error {
	return nil
}

type fakeEventBus struct{}

func (f *fakeEventBus) Subscribe(sub realtime.EventSubscriber) error   { return nil }
func (f *fakeEventBus) Unsubscribe(sub realtime.EventSubscriber) error { return nil }
func (f *fakeEventBus) Publish(event realtime.Event) error             { return nil }
func (f *fakeEventBus) GetActiveSubscribers() int                      { return 0 }
func (f *fakeEventBus) Start(ctx context.Context) error                { return nil }
func (f *fakeEventBus) Stop(ctx context.Context) error                 { return nil }
