// Package core holds the domain types and error kinds shared by every
// Service Manager subsystem: the persistent store, the network pipeline,
// the image handler, the journal pipeline, the launcher, the upstream
// client and the orchestrator all speak these types rather than their own
// private copies.
package core

import "time"

// ServiceState is the lifecycle state of an installed Service or Layer.
type ServiceState string

const (
	StateActive ServiceState = "active"
	StateCached ServiceState = "cached"
)

// Identifier names a single runnable instance of a service.
type Identifier struct {
	ServiceID     string `json:"service_id"`
	SubjectID     string `json:"subject_id"`
	InstanceIndex uint64 `json:"instance_index"`
}

// FirewallRule restricts traffic for an instance's network attachment.
type FirewallRule struct {
	DstIP   string `json:"dst_ip"`
	DstPort uint16 `json:"dst_port"`
	Proto   string `json:"proto"`
	SrcIP   string `json:"src_ip,omitempty"`
}

// NetworkParameters describes how an instance is attached to the network.
type NetworkParameters struct {
	NetworkID     string         `json:"network_id"`
	SubnetCIDR    string         `json:"subnet_cidr"`
	IP            string         `json:"ip"`
	VlanID        uint32         `json:"vlan_id,omitempty"`
	VlanIfName    string         `json:"vlan_if_name,omitempty"`
	DNSServers    []string       `json:"dns_servers,omitempty"`
	FirewallRules []FirewallRule `json:"firewall_rules,omitempty"`
}

// Instance is the authoritative record of one running (or about-to-run)
// service instance.
type Instance struct {
	InstanceID  string     `json:"instance_id"`
	Ident       Identifier `json:"ident"`
	UID         uint32     `json:"uid"`
	Priority    uint32     `json:"priority"`
	StoragePath string     `json:"storage_path"`
	StatePath   string     `json:"state_path"`
	Network     NetworkParameters
}

// Service is a single versioned installable image.
type Service struct {
	ServiceID      string
	Version        string
	ProviderID     string
	ImagePath      string
	ManifestDigest []byte
	State          ServiceState
	Timestamp      time.Time
	SizeBytes      uint64
	GID            uint32
}

// Layer is a content-addressed filesystem overlay published independently
// of services.
type Layer struct {
	Digest    string
	LayerID   string
	Path      string
	OSVersion string
	Version   string
	Timestamp time.Time
	State     ServiceState
	SizeBytes uint64
}

// TrafficCounter is the persisted half of one monitored chain.
type TrafficCounter struct {
	Chain            string
	LastUpdate       time.Time
	AccumulatedBytes uint64
}

// EnvVar is a single overridden environment variable, optionally expiring.
type EnvVar struct {
	Name  string     `json:"name"`
	Value string     `json:"value"`
	TTL   *time.Time `json:"ttl,omitempty"`
}

// EnvVarsInstanceInfo groups env var overrides under the instance filter
// they apply to (a subset of Identifier's fields may be empty, meaning
// "any").
type EnvVarsInstanceInfo struct {
	InstanceFilter Identifier `json:"instance_filter"`
	EnvVars        []EnvVar   `json:"env_vars"`
}

// ConfigRow is the PS singleton row.
type ConfigRow struct {
	OperationVersion int
	JournalCursor    string
	OnlineTime       time.Duration
	EnvVarOverrides  []EnvVarsInstanceInfo
}
