// Package orchestrator reconciles the cloud manager's desired
// services/layers/instances against the node's actual state: installing
// and garbage-collecting content through the image handler, diffing and
// fanning out per-instance provisioning across the network pipeline, the
// systemd launcher and the resource/traffic monitors, and reporting
// aggregate and incremental run status upstream. Grounded on §4.9 of the
// governing design and, for wiring order, on
// original_source/src/app/aoscore.cpp (the concrete reconcile sequencing
// lives in an external SDK header this tree does not carry).
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/image"
	"github.com/aosedge/aos_servicemanager/internal/launcher"
	"github.com/aosedge/aos_servicemanager/internal/network"
	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/resource"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// InstanceStore is the PS surface the orchestrator needs for the
// instance table.
type InstanceStore interface {
	AddInstance(ctx context.Context, inst *core.Instance) error
	UpdateInstance(ctx context.Context, inst *core.Instance) error
	RemoveInstance(ctx context.Context, instanceID string) error
	GetAllInstances(ctx context.Context) ([]core.Instance, error)
}

// ServiceStore is the PS surface for the services table.
type ServiceStore interface {
	AddService(ctx context.Context, svc *core.Service) error
	UpdateService(ctx context.Context, svc *core.Service) error
	RemoveService(ctx context.Context, serviceID, version string) error
	GetAllServices(ctx context.Context) ([]core.Service, error)
}

// LayerStore is the PS surface for the layers table.
type LayerStore interface {
	AddLayer(ctx context.Context, layer *core.Layer) error
	UpdateLayer(ctx context.Context, layer *core.Layer) error
	RemoveLayer(ctx context.Context, digest string) error
	GetAllLayers(ctx context.Context) ([]core.Layer, error)
}

// NetworkStore is the PS surface for the network table.
type NetworkStore interface {
	AddNetworkInfo(ctx context.Context, info *core.NetworkParameters) error
	GetNetworksInfo(ctx context.Context) ([]core.NetworkParameters, error)
}

// EnvVarStore persists env var overrides across restarts.
type EnvVarStore interface {
	SetOverrideEnvVars(ctx context.Context, overrides []core.EnvVarsInstanceInfo) error
}

// OnlineTimeStore persists accumulated node uptime across restarts.
type OnlineTimeStore interface {
	GetOnlineTime(ctx context.Context) (time.Duration, error)
	SetOnlineTime(ctx context.Context, d time.Duration) error
}

// ImageInstaller installs layer and service archives into content-addressed
// storage, satisfied by *image.Handler.
type ImageInstaller interface {
	InstallLayer(ctx context.Context, archivePath, installBasePath string, layer image.LayerInfo) (string, image.Space, error)
	InstallService(ctx context.Context, archivePath, installBasePath string, service image.ServiceInfo) (string, image.Space, error)
}

// NetworkAttacher drives the CNI-style plugin pipeline, satisfied by
// *network.CNI.
type NetworkAttacher interface {
	AddNetworkList(ctx context.Context, net network.NetworkList, rt network.RuntimeConf) (network.Result, error)
	DeleteNetworkList(ctx context.Context, net network.NetworkList, rt network.RuntimeConf) error
}

// UnitLauncher starts and stops instance units, satisfied by
// *launcher.Launcher.
type UnitLauncher interface {
	StartInstance(ctx context.Context, instanceID string, params launcher.RunParameters) launcher.RunStatus
	StopInstance(ctx context.Context, instanceID string) error
}

// TrafficRegistrar registers and deregisters per-instance traffic
// accounting, satisfied by *traffic.Monitor.
type TrafficRegistrar interface {
	StartInstanceMonitoring(ctx context.Context, instanceID, ipAddress string, inLimit, outLimit uint64) error
	StopInstanceMonitoring(ctx context.Context, instanceID string) error
}

// ResourceSampler samples node and instance CPU/RAM/disk usage, satisfied
// by *resource.UsageProvider.
type ResourceSampler interface {
	GetNodeData(partitions []resource.PartitionUsage) (resource.NodeData, error)
	GetInstanceData(instanceID string, uid uint32, partitions []resource.PartitionUsage) (resource.InstanceData, error)
	RemoveInstanceCache(instanceID string)
}

// EventPublisher is the outgoing telemetry bus the orchestrator and the
// adapters it exposes to sibling packages publish onto, satisfied by
// *realtime.DefaultEventBus. internal/upstream is not itself a bus
// consumer (its Client methods are direct calls); a telemetryBridge
// subscriber (telemetry.go) drains this bus and forwards each event to
// the matching Client method.
type EventPublisher interface {
	Publish(event realtime.Event) error
}

// Config is the orchestrator's static configuration, sourced from
// internal/config.Config.
type Config struct {
	NodeID         string
	NodeType       string
	NodeConfigFile string

	ServicesInstallDir string
	LayersInstallDir   string

	ServiceTTL time.Duration
	LayerTTL   time.Duration

	MaxConcurrentProvisions int

	PollPeriod    time.Duration
	AverageWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentProvisions <= 0 {
		c.MaxConcurrentProvisions = 8
	}

	if c.PollPeriod <= 0 {
		c.PollPeriod = 35 * time.Second
	}

	if c.AverageWindow <= 0 {
		c.AverageWindow = 35 * time.Second
	}

	return c
}

// Orchestrator implements the reconcile loop (upstream.RunInstancesHandler,
// upstream.NetworkUpdater, upstream.NodeConfigManager, upstream.
// MonitoringSource) and the adapters launcher/journal need to report
// status and telemetry through it (launcher.StatusReceiver, journal.
// AlertSender, journal.LogObserver, journal.InstanceInfoProvider, journal.
// InstanceIDResolver, upstream.LogRequester).
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	instances InstanceStore
	services  ServiceStore
	layers    LayerStore
	networks  NetworkStore
	envVars   EnvVarStore
	online    OnlineTimeStore

	images   ImageInstaller
	attacher NetworkAttacher
	units    UnitLauncher
	traffic  TrafficRegistrar
	sampler  ResourceSampler
	logs     LogRequester
	bus      EventPublisher

	mu              sync.Mutex
	statuses        map[string]upstream.InstanceStatus
	instanceNetwork map[string]network.NetworkList
	instanceRuntime map[string]network.RuntimeConf
	monitoring      monitoringState

	monitoringCancel context.CancelFunc
	monitoringDone   chan struct{}

	startedAt time.Time
}

// LogRequester is the JLAP surface the orchestrator forwards ad hoc log
// requests to, satisfied by *journal.LogProvider (whose own signature
// takes a core.Identifier filter rather than the wire's flat fields).
type LogRequester interface {
	GetSystemLog(ctx context.Context, logID string, from, till *time.Time) error
	GetInstanceLog(ctx context.Context, logID string, filter core.Identifier, from, till *time.Time) error
	GetInstanceCrashLog(ctx context.Context, logID string, filter core.Identifier, from, till *time.Time) error
}

// New constructs an Orchestrator. startedAt is recorded immediately for
// the online-time accounting in onlinetime.go.
func New(
	cfg Config,
	instances InstanceStore,
	services ServiceStore,
	layers LayerStore,
	networks NetworkStore,
	envVars EnvVarStore,
	online OnlineTimeStore,
	images ImageInstaller,
	attacher NetworkAttacher,
	units UnitLauncher,
	traffic TrafficRegistrar,
	sampler ResourceSampler,
	logs LogRequester,
	bus EventPublisher,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:             cfg.withDefaults(),
		logger:          logger,
		instances:       instances,
		services:        services,
		layers:          layers,
		networks:        networks,
		envVars:         envVars,
		online:          online,
		images:          images,
		attacher:        attacher,
		units:           units,
		traffic:         traffic,
		sampler:         sampler,
		logs:            logs,
		bus:             bus,
		statuses:        make(map[string]upstream.InstanceStatus),
		instanceNetwork: make(map[string]network.NetworkList),
		instanceRuntime: make(map[string]network.RuntimeConf),
		startedAt:       time.Now(),
	}
}

// SetUnitLauncher wires the unit launcher after construction. launcher.
// NewLauncher requires a launcher.StatusReceiver (the orchestrator itself)
// before it exists, so main assembles the orchestrator first with a nil
// launcher, builds the launcher against it, then calls this setter before
// starting anything.
func (o *Orchestrator) SetUnitLauncher(units UnitLauncher) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.units = units
}

// SetLogRequester wires the journal log provider after construction, for
// the same forward-reference reason as SetUnitLauncher: journal.
// NewLogProvider takes the orchestrator as its InstanceIDResolver/
// LogObserver.
func (o *Orchestrator) SetLogRequester(logs LogRequester) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logs = logs
}

// instanceKey derives the node-local instance ID from the (serviceID,
// subjectID, instanceIndex) triplet the cloud manager's RunInstances wire
// message carries; the wire InstanceInfo has no dedicated ID field of its
// own, so SM synthesizes one deterministically, matching the Identifier
// fields used as the instance's natural composite key.
func instanceKey(serviceID, subjectID string, instanceIndex int) string {
	return serviceID + "-" + subjectID + "-" + strconv.Itoa(instanceIndex)
}
