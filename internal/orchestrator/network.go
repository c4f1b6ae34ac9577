package orchestrator

import (
	"context"
	"strconv"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/network"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

const cniVersion = "0.4.0"

// UpdateNetworks implements upstream.NetworkUpdater, persisting the cloud
// manager's current view of the node's networks. The wire message is a
// full push rather than a diff, but since NetworkID is the table's
// primary key, AddNetworkInfo's upsert leaves any network this push
// omits untouched rather than removing it; nothing in the wire contract
// tells SM which, if any, networks the cloud manager considers retired.
func (o *Orchestrator) UpdateNetworks(networks []upstream.NetworkParameters) error {
	ctx := context.Background()

	for _, net := range networks {
		params := core.NetworkParameters{
			NetworkID:  net.NetworkID,
			SubnetCIDR: net.Subnet,
			IP:         net.IP,
			VlanID:     uint32(net.VlanID),
			DNSServers: net.DNSServers,
		}

		if err := o.networks.AddNetworkInfo(ctx, &params); err != nil {
			o.logger.Error("update network failed", "networkID", net.NetworkID, "error", err)
		}
	}

	return nil
}

// networkForService resolves the network an instance should attach to by
// matching NetworkID against the instance's owning ServiceID: SM groups
// every instance of a service onto the one network published for it,
// since the RunInstances wire message carries no explicit per-instance
// network reference.
func (o *Orchestrator) networkForService(ctx context.Context, serviceID string) (core.NetworkParameters, bool, error) {
	all, err := o.networks.GetNetworksInfo(ctx)
	if err != nil {
		return core.NetworkParameters{}, false, err
	}

	for _, net := range all {
		if net.NetworkID == serviceID {
			return net, true, nil
		}
	}

	return core.NetworkParameters{}, false, nil
}

// buildNetworkList translates the persisted NetworkParameters into the
// bridge/DNS/firewall plugin configuration the CNI pipeline drives,
// matching the plugin set and field names internal/network's
// pipelineBuilder expects.
func buildNetworkList(params core.NetworkParameters) network.NetworkList {
	list := network.NetworkList{
		Name:    params.NetworkID,
		Version: cniVersion,
		Bridge: network.BridgeConfig{
			Type:      "bridge",
			Bridge:    "aosbr0",
			IsGateway: true,
			IPMasq:    true,
			IPAM: network.IPAMConfig{
				Type:      "host-local",
				IPAMRange: network.IPAMRange{Subnet: params.SubnetCIDR},
			},
		},
	}

	if len(params.DNSServers) > 0 {
		list.DNS = network.DNSConfig{Type: "dnsname", RemoteServers: params.DNSServers}
	}

	if len(params.FirewallRules) > 0 {
		list.Firewall = network.FirewallConfig{Type: "aos-firewall", OutputAccess: buildOutputAccess(params.FirewallRules)}
	}

	return list
}

func buildOutputAccess(rules []core.FirewallRule) []network.OutputAccess {
	access := make([]network.OutputAccess, 0, len(rules))

	for _, rule := range rules {
		access = append(access, network.OutputAccess{
			DstIP:   rule.DstIP,
			DstPort: strconv.Itoa(int(rule.DstPort)),
			Proto:   rule.Proto,
			SrcIP:   rule.SrcIP,
		})
	}

	return access
}
