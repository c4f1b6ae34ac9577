// Package upstream implements the reconnecting streaming client to the
// cloud/cluster manager, grounded on the original implementation's
// smclient/smclient.cpp: one bidirectional stream carrying node status,
// monitoring data, alerts, logs, and instance status out, and
// configuration/run/log-request/env-var commands in.
package upstream

import (
	"context"
	"time"
)

// MessageKind discriminates the tagged-union Outgoing/Incoming envelope,
// standing in for protobuf's oneof across the generated smproto messages.
type MessageKind string

const (
	// Outgoing kinds.
	KindNodeConfigStatus      MessageKind = "node_config_status"
	KindRunInstancesStatus    MessageKind = "run_instances_status"
	KindUpdateInstancesStatus MessageKind = "update_instances_status"
	KindInstantMonitoring     MessageKind = "instant_monitoring"
	KindAverageMonitoring     MessageKind = "average_monitoring"
	KindAlert                 MessageKind = "alert"
	KindLog                   MessageKind = "log"
	KindOverrideEnvVarStatus  MessageKind = "override_env_var_status"

	// Incoming kinds.
	KindGetNodeConfigStatus     MessageKind = "get_node_config_status"
	KindCheckNodeConfig         MessageKind = "check_node_config"
	KindSetNodeConfig           MessageKind = "set_node_config"
	KindRunInstances            MessageKind = "run_instances"
	KindUpdateNetworks          MessageKind = "update_networks"
	KindSystemLogRequest        MessageKind = "system_log_request"
	KindInstanceLogRequest      MessageKind = "instance_log_request"
	KindInstanceCrashLogRequest MessageKind = "instance_crash_log_request"
	KindOverrideEnvVars         MessageKind = "override_env_vars"
	KindGetAverageMonitoring    MessageKind = "get_average_monitoring"
	KindConnectionStatus        MessageKind = "connection_status"
)

// OutgoingMessage is one envelope the client writes to the stream. Exactly
// one payload field is populated, selected by Kind.
type OutgoingMessage struct {
	Kind MessageKind `json:"kind"`

	NodeConfigStatus      *NodeConfigStatus     `json:"nodeConfigStatus,omitempty"`
	RunInstancesStatus    *InstancesStatus      `json:"runInstancesStatus,omitempty"`
	UpdateInstancesStatus *InstancesStatus      `json:"updateInstancesStatus,omitempty"`
	InstantMonitoring     *NodeMonitoring       `json:"instantMonitoring,omitempty"`
	AverageMonitoring     *NodeMonitoring       `json:"averageMonitoring,omitempty"`
	Alert                 *AlertMessage         `json:"alert,omitempty"`
	Log                   *PushLogMessage       `json:"log,omitempty"`
	OverrideEnvVarStatus  *OverrideEnvVarStatus `json:"overrideEnvVarStatus,omitempty"`
}

// IncomingMessage is one envelope read off the stream.
type IncomingMessage struct {
	Kind MessageKind `json:"kind"`

	CheckNodeConfig         *NodeConfigRequest       `json:"checkNodeConfig,omitempty"`
	SetNodeConfig           *NodeConfigRequest       `json:"setNodeConfig,omitempty"`
	RunInstances            *RunInstancesRequest     `json:"runInstances,omitempty"`
	UpdateNetworks          *UpdateNetworksRequest   `json:"updateNetworks,omitempty"`
	SystemLogRequest        *SystemLogRequest        `json:"systemLogRequest,omitempty"`
	InstanceLogRequest      *InstanceLogRequest      `json:"instanceLogRequest,omitempty"`
	InstanceCrashLogRequest *InstanceLogRequest      `json:"instanceCrashLogRequest,omitempty"`
	OverrideEnvVars         *OverrideEnvVarsRequest  `json:"overrideEnvVars,omitempty"`
	ConnectionStatus        *ConnectionStatusMessage `json:"connectionStatus,omitempty"`
}

type NodeConfigStatus struct {
	Version  string `json:"version"`
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	ErrorMsg string `json:"errorMsg,omitempty"`
}

type InstanceStatus struct {
	InstanceID string `json:"instanceId"`
	State      string `json:"state"`
	ErrorMsg   string `json:"errorMsg,omitempty"`
}

type InstancesStatus struct {
	Instances []InstanceStatus `json:"instances"`
}

type NodeMonitoring struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       float64   `json:"cpu"`
	RAM       uint64    `json:"ram"`
	Download  uint64    `json:"download"`
	Upload    uint64    `json:"upload"`
}

type AlertMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Tag       string    `json:"tag,omitempty"`
}

type PushLogMessage struct {
	LogID      string `json:"logId"`
	Part       uint64 `json:"part"`
	PartsCount uint64 `json:"partsCount"`
	Status     string `json:"status"`
	ErrorMsg   string `json:"errorMsg,omitempty"`
	Content    []byte `json:"content,omitempty"`
}

type OverrideEnvVarStatus struct {
	Statuses []EnvVarsInstanceStatus `json:"statuses"`
}

type EnvVarsInstanceStatus struct {
	ServiceID     string            `json:"serviceId"`
	SubjectID     string            `json:"subjectId"`
	InstanceIndex int               `json:"instanceIndex"`
	Statuses      map[string]string `json:"statuses"`
}

type NodeConfigRequest struct {
	Version    string `json:"version"`
	NodeConfig string `json:"nodeConfig"`
}

type RunInstancesRequest struct {
	Services     []ServiceInfo  `json:"services"`
	Layers       []LayerInfo    `json:"layers"`
	Instances    []InstanceInfo `json:"instances"`
	ForceRestart bool           `json:"forceRestart"`
}

type ServiceInfo struct {
	ServiceID string `json:"serviceId"`
	Version   string `json:"version"`
	URL       string `json:"url"`
	Size      uint64 `json:"size"`
	GID       uint32 `json:"gid"`
	Sha256    []byte `json:"sha256"`
}

type LayerInfo struct {
	LayerID string `json:"layerId"`
	Digest  string `json:"digest"`
	Version string `json:"version"`
	URL     string `json:"url"`
	Size    uint64 `json:"size"`
	Sha256  []byte `json:"sha256"`
}

type InstanceInfo struct {
	ServiceID     string `json:"serviceId"`
	SubjectID     string `json:"subjectId"`
	InstanceIndex int    `json:"instanceIndex"`
	UID           uint32 `json:"uid"`
	Priority      int    `json:"priority"`
	StoragePath   string `json:"storagePath"`
	StatePath     string `json:"statePath"`
}

type UpdateNetworksRequest struct {
	Networks []NetworkParameters `json:"networks"`
}

type NetworkParameters struct {
	NetworkID  string   `json:"networkId"`
	Subnet     string   `json:"subnet"`
	IP         string   `json:"ip"`
	VlanID     uint64   `json:"vlanId"`
	DNSServers []string `json:"dnsServers,omitempty"`
}

type SystemLogRequest struct {
	LogID string     `json:"logId"`
	From  *time.Time `json:"from,omitempty"`
	Till  *time.Time `json:"till,omitempty"`
}

type InstanceLogRequest struct {
	LogID         string     `json:"logId"`
	ServiceID     string     `json:"serviceId,omitempty"`
	SubjectID     string     `json:"subjectId,omitempty"`
	InstanceIndex *int       `json:"instanceIndex,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	Till          *time.Time `json:"till,omitempty"`
}

type OverrideEnvVarsRequest struct {
	Items []EnvVarsInstanceInfo `json:"items"`
}

type EnvVarsInstanceInfo struct {
	ServiceID     string            `json:"serviceId"`
	SubjectID     string            `json:"subjectId"`
	InstanceIndex int               `json:"instanceIndex"`
	EnvVars       map[string]string `json:"envVars"`
}

type ConnectionStatusMessage struct {
	Connected bool `json:"connected"`
}

// Session is one bidirectional stream handle. It is the Go shape of the
// gRPC generated ClientReaderWriterInterface the original's mStream holds.
type Session interface {
	Send(msg OutgoingMessage) error
	Recv() (IncomingMessage, error)
	Close() error
}

// Dialer opens a new Session against url, re-created on every reconnect
// attempt, standing in for CreateStub+RegisterSM.
type Dialer func(ctx context.Context, url string) (Session, error)

// NodeConfigManager resolves and applies node configuration, satisfied by
// whatever component owns the node config document.
type NodeConfigManager interface {
	GetNodeConfigVersion() (version string, err error)
	CheckNodeConfig(version, nodeConfig string) error
	UpdateNodeConfig(version, nodeConfig string) error
}

// RunInstancesHandler applies a RunInstances command, satisfied by the
// orchestrator.
type RunInstancesHandler interface {
	RunInstances(services []ServiceInfo, layers []LayerInfo, instances []InstanceInfo, forceRestart bool) error
	GetCurrentRunStatus() ([]InstanceStatus, error)
	OverrideEnvVars(items []EnvVarsInstanceInfo) ([]EnvVarsInstanceStatus, error)
}

// NetworkUpdater applies an UpdateNetworks command, satisfied by the
// orchestrator.
type NetworkUpdater interface {
	UpdateNetworks(networks []NetworkParameters) error
}

// LogRequester accepts ad hoc log requests, satisfied by the orchestrator,
// which forwards them to internal/journal.LogProvider.
type LogRequester interface {
	GetSystemLog(ctx context.Context, logID string, from, till *time.Time) error
	GetInstanceLog(ctx context.Context, logID, serviceID, subjectID string, instanceIndex *int, from, till *time.Time) error
	GetInstanceCrashLog(ctx context.Context, logID, serviceID, subjectID string, instanceIndex *int, from, till *time.Time) error
}

// MonitoringSource reports average resource usage, satisfied by the
// orchestrator's monitoring aggregator.
type MonitoringSource interface {
	GetAverageMonitoringData() (NodeMonitoring, error)
}

// ConnectionSubscriber is notified when the cloud connection's status
// changes, matching ConnectionSubscriberItf.
type ConnectionSubscriber interface {
	OnConnect()
	OnDisconnect()
}
