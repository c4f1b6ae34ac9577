package network

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const cacheKind = "cniCacheV1"

type cacheEntry struct {
	Kind           string              `json:"kind"`
	ContainerID    string              `json:"containerId"`
	IfName         string              `json:"ifName,omitempty"`
	NetworkName    string              `json:"networkName"`
	Config         string              `json:"config"`
	CNIArgs        [][2]string         `json:"cniArgs,omitempty"`
	CapabilityArgs cacheCapabilityArgs `json:"capabilityArgs,omitempty"`
	Result         *wireResult         `json:"result,omitempty"`
}

type cacheCapabilityArgs struct {
	Aliases map[string][]string `json:"aliases,omitempty"`
}

func (c *CNI) cacheEntryPath(networkName, containerID string) string {
	return filepath.Join(c.configDir, networkName+"-"+containerID)
}

func (c *CNI) writeCacheEntry(net NetworkList, rt RuntimeConf, plugins []map[string]interface{}, result wireResult) error {
	pluginsConfig := map[string]interface{}{
		"name":       net.Name,
		"cniVersion": net.Version,
		"plugins":    plugins,
	}

	configJSON, err := json.Marshal(pluginsConfig)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_cni_plugins_config", Cause: err}
	}

	entry := cacheEntry{
		Kind:        cacheKind,
		ContainerID: rt.ContainerID,
		IfName:      rt.IfName,
		NetworkName: net.Name,
		Config:      base64.StdEncoding.EncodeToString(configJSON),
	}

	for _, a := range rt.Args {
		if a.Name == "" || a.Value == "" {
			continue
		}
		entry.CNIArgs = append(entry.CNIArgs, [2]string{a.Name, a.Value})
	}

	if len(rt.CapabilityArgs.Host) > 0 {
		entry.CapabilityArgs.Aliases = map[string][]string{net.Name: rt.CapabilityArgs.Host}
	}

	if result.CNIVersion != "" {
		r := result
		entry.Result = &r
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_cni_cache_entry", Cause: err}
	}

	path := c.cacheEntryPath(net.Name, rt.ContainerID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &core.ErrStorage{Operation: "write_cni_cache_entry", Cause: err}
	}

	return nil
}

// LoadCachedConfig reads the cache entry for (networkName, containerID) and
// reconstructs the NetworkList/RuntimeConf pair needed to run a matching
// DEL pipeline.
func (c *CNI) LoadCachedConfig(networkName, containerID string) (NetworkList, RuntimeConf, error) {
	path := c.cacheEntryPath(networkName, containerID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NetworkList{}, RuntimeConf{}, &core.ErrNotFound{Resource: "cni_cache_entry", Key: path}
		}
		return NetworkList{}, RuntimeConf{}, &core.ErrStorage{Operation: "read_cni_cache_entry", Cause: err}
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return NetworkList{}, RuntimeConf{}, &core.ErrFailed{Source: "unmarshal_cni_cache_entry", Cause: err}
	}

	if entry.Kind != cacheKind {
		return NetworkList{}, RuntimeConf{}, &core.ErrInvalidArgument{Field: "kind", Reason: "unexpected cache entry kind: " + entry.Kind}
	}

	configJSON, err := base64.StdEncoding.DecodeString(entry.Config)
	if err != nil {
		return NetworkList{}, RuntimeConf{}, &core.ErrFailed{Source: "decode_cni_cache_config", Cause: err}
	}

	var compound struct {
		Name       string                   `json:"name"`
		CNIVersion string                   `json:"cniVersion"`
		Plugins    []map[string]interface{} `json:"plugins"`
	}
	if err := json.Unmarshal(configJSON, &compound); err != nil {
		return NetworkList{}, RuntimeConf{}, &core.ErrFailed{Source: "unmarshal_cni_plugins_config", Cause: err}
	}

	net := NetworkList{Name: compound.Name, Version: compound.CNIVersion}
	for _, plugin := range compound.Plugins {
		pluginJSON, err := json.Marshal(plugin)
		if err != nil {
			return NetworkList{}, RuntimeConf{}, &core.ErrFailed{Source: "remarshal_plugin_config", Cause: err}
		}

		switch plugin["type"] {
		case "bridge":
			if err := json.Unmarshal(pluginJSON, &net.Bridge); err != nil {
				return NetworkList{}, RuntimeConf{}, err
			}
		case "dnsname":
			if err := json.Unmarshal(pluginJSON, &net.DNS); err != nil {
				return NetworkList{}, RuntimeConf{}, err
			}
		case "aos-firewall":
			if err := json.Unmarshal(pluginJSON, &net.Firewall); err != nil {
				return NetworkList{}, RuntimeConf{}, err
			}
		case "bandwidth":
			if err := json.Unmarshal(pluginJSON, &net.Bandwidth); err != nil {
				return NetworkList{}, RuntimeConf{}, err
			}
		}
	}

	rt := RuntimeConf{ContainerID: entry.ContainerID, IfName: entry.IfName}
	for _, kv := range entry.CNIArgs {
		rt.Args = append(rt.Args, Arg{Name: kv[0], Value: kv[1]})
	}
	if hosts, ok := entry.CapabilityArgs.Aliases[networkName]; ok {
		rt.CapabilityArgs.Host = hosts
	}

	if entry.Result != nil {
		net.PrevResult = entry.Result.toResult()
	}

	return net, rt, nil
}
