package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const binaryPluginDir = "/opt/cni/bin"

// CNI drives the fixed-order bridge->DNS->firewall->bandwidth plugin
// pipeline for one network attachment and persists the cache entry needed
// to reconstruct its DEL invocation.
type CNI struct {
	exec      PluginExecutor
	configDir string
	logger    *slog.Logger
}

// New creates a CNI pipeline driver. confDir is the SM working directory;
// cache entries are written under <confDir>/results.
func New(exec PluginExecutor, confDir string, logger *slog.Logger) (*CNI, error) {
	resultsDir := filepath.Join(confDir, "results")
	if err := os.MkdirAll(resultsDir, 0o700); err != nil {
		return nil, &core.ErrStorage{Operation: "mkdir_cni_results", Cause: err}
	}

	return &CNI{exec: exec, configDir: resultsDir, logger: logger}, nil
}

// AddNetworkList runs the pipeline's ADD path, chaining prevResult through
// bridge, DNS, firewall and bandwidth stages in order, then writes the
// cache entry. Partial failures are not rolled back: the caller is
// expected to invoke DeleteNetworkList with the same net/rt pair.
func (c *CNI) AddNetworkList(ctx context.Context, net NetworkList, rt RuntimeConf) (Result, error) {
	c.logger.Debug("add network list", "name", net.Name, "container_id", rt.ContainerID)

	pb := &pipelineBuilder{net: net}

	prevResult, err := c.runStage(ctx, net.Bridge.Type, pb.bridgeConfig, net, ActionAdd, rt, net.PrevResult.toWire())
	if err != nil {
		return Result{}, fmt.Errorf("bridge plugin: %w", err)
	}

	prevResult, err = c.runDNSStage(ctx, pb, net, ActionAdd, rt, prevResult)
	if err != nil {
		return Result{}, fmt.Errorf("dns plugin: %w", err)
	}

	prevResult, err = c.runStage(ctx, net.Firewall.Type, pb.firewallConfig, net, ActionAdd, rt, prevResult)
	if err != nil {
		return Result{}, fmt.Errorf("firewall plugin: %w", err)
	}

	prevResult, err = c.runStage(ctx, net.Bandwidth.Type, pb.bandwidthConfig, net, ActionAdd, rt, prevResult)
	if err != nil {
		return Result{}, fmt.Errorf("bandwidth plugin: %w", err)
	}

	result := prevResult.toResult()

	if err := c.writeCacheEntry(net, rt, pb.plugins, prevResult); err != nil {
		return result, fmt.Errorf("write cni cache entry: %w", err)
	}

	return result, nil
}

// DeleteNetworkList runs the pipeline's DEL path best-effort: each stage is
// invoked regardless of prior stage failures, and only cache file removal
// failure is terminal.
func (c *CNI) DeleteNetworkList(ctx context.Context, net NetworkList, rt RuntimeConf) error {
	c.logger.Debug("delete network list", "name", net.Name, "container_id", rt.ContainerID)

	pb := &pipelineBuilder{net: net}
	prevResult := net.PrevResult.toWire()

	var errs []error

	if next, err := c.runStage(ctx, net.Bridge.Type, pb.bridgeConfig, net, ActionDel, rt, prevResult); err != nil {
		errs = append(errs, fmt.Errorf("bridge plugin: %w", err))
	} else {
		prevResult = next
	}

	if next, err := c.runDNSStage(ctx, pb, net, ActionDel, rt, prevResult); err != nil {
		errs = append(errs, fmt.Errorf("dns plugin: %w", err))
	} else {
		prevResult = next
	}

	if next, err := c.runStage(ctx, net.Firewall.Type, pb.firewallConfig, net, ActionDel, rt, prevResult); err != nil {
		errs = append(errs, fmt.Errorf("firewall plugin: %w", err))
	} else {
		prevResult = next
	}

	if _, err := c.runStage(ctx, net.Bandwidth.Type, pb.bandwidthConfig, net, ActionDel, rt, prevResult); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth plugin: %w", err))
	}

	for _, e := range errs {
		c.logger.Warn("cni delete stage failed, continuing", "error", e)
	}

	path := c.cacheEntryPath(net.Name, rt.ContainerID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &core.ErrFailed{Source: "remove_cni_cache_entry", Cause: err}
	}

	return nil
}

// runStage invokes one plugin stage, returning prevResult unchanged if the
// stage's plugin type is empty (the stage is omitted).
func (c *CNI) runStage(
	ctx context.Context,
	pluginType string,
	configFn func() (map[string]interface{}, error),
	net NetworkList,
	action Action,
	rt RuntimeConf,
	prevResult wireResult,
) (wireResult, error) {
	if pluginType == "" {
		return prevResult, nil
	}

	cfg, err := configFn()
	if err != nil {
		return prevResult, err
	}

	payload, err := addCNIEnvelope(cfg, net.Version, net.Name, prevResult)
	if err != nil {
		return prevResult, err
	}

	pluginPath := filepath.Join(binaryPluginDir, pluginType)
	env := BuildEnv(os.Environ(), binaryPluginDir, action, rt)

	out, err := c.exec.ExecPlugin(ctx, payload, pluginPath, env)
	if err != nil {
		return prevResult, err
	}

	return parseWireResult(out)
}

func (c *CNI) runDNSStage(
	ctx context.Context,
	pb *pipelineBuilder,
	net NetworkList,
	action Action,
	rt RuntimeConf,
	prevResult wireResult,
) (wireResult, error) {
	if net.DNS.Type == "" {
		return prevResult, nil
	}

	cfg, err := pb.dnsConfig()
	if err != nil {
		return prevResult, err
	}

	if len(rt.CapabilityArgs.Host) > 0 {
		cfg["runtimeConfig"] = map[string]interface{}{
			"aliases": map[string]interface{}{
				net.Name: rt.CapabilityArgs.Host,
			},
		}
	}

	payload, err := addCNIEnvelope(cfg, net.Version, net.Name, prevResult)
	if err != nil {
		return prevResult, err
	}

	pluginPath := filepath.Join(binaryPluginDir, net.DNS.Type)
	env := BuildEnv(os.Environ(), binaryPluginDir, action, rt)

	out, err := c.exec.ExecPlugin(ctx, payload, pluginPath, env)
	if err != nil {
		return prevResult, err
	}

	return parseWireResult(out)
}

func addCNIEnvelope(cfg map[string]interface{}, version, name string, prevResult wireResult) ([]byte, error) {
	cfg["cniVersion"] = version
	cfg["name"] = name

	if prevResult.CNIVersion != "" {
		cfg["prevResult"] = prevResult
	}

	return json.Marshal(cfg)
}

func parseWireResult(out []byte) (wireResult, error) {
	var w wireResult
	if len(out) == 0 {
		return w, nil
	}
	if err := json.Unmarshal(out, &w); err != nil {
		return w, &core.ErrFailed{Source: "unmarshal_plugin_result", Cause: err}
	}
	return w, nil
}
