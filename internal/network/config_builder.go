package network

import "encoding/json"

// pipelineBuilder materializes each stage's plugin-specific config object
// and accumulates the raw per-plugin configs needed later to rebuild the
// cache entry's "plugins" array.
type pipelineBuilder struct {
	net     NetworkList
	plugins []map[string]interface{}
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *pipelineBuilder) record(m map[string]interface{}) map[string]interface{} {
	b.plugins = append(b.plugins, m)
	return m
}

func (b *pipelineBuilder) bridgeConfig() (map[string]interface{}, error) {
	m, err := toMap(b.net.Bridge)
	if err != nil {
		return nil, err
	}
	return b.record(m), nil
}

func (b *pipelineBuilder) dnsConfig() (map[string]interface{}, error) {
	m, err := toMap(b.net.DNS)
	if err != nil {
		return nil, err
	}
	return b.record(m), nil
}

func (b *pipelineBuilder) firewallConfig() (map[string]interface{}, error) {
	m, err := toMap(b.net.Firewall)
	if err != nil {
		return nil, err
	}
	return b.record(m), nil
}

func (b *pipelineBuilder) bandwidthConfig() (map[string]interface{}, error) {
	m, err := toMap(b.net.Bandwidth)
	if err != nil {
		return nil, err
	}
	return b.record(m), nil
}
