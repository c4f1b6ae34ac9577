package orchestrator

import (
	"os"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// GetNodeConfigVersion, CheckNodeConfig and UpdateNodeConfig implement
// upstream.NodeConfigManager. The node config document itself is opaque
// to SM (its schema belongs to the update manager's domain); SM only
// owns the file it lives in and the version string that gates whether a
// push is a no-op.
func (o *Orchestrator) GetNodeConfigVersion() (string, error) {
	version, _, err := o.readNodeConfig()

	return version, err
}

// CheckNodeConfig validates a candidate config without applying it. SM
// has no schema to validate against and only checks that the document is
// non-empty; it is not parsed, and deeper validation is the update
// manager's responsibility.
func (o *Orchestrator) CheckNodeConfig(version, nodeConfig string) error {
	if nodeConfig == "" {
		return &core.ErrInvalidArgument{Field: "nodeConfig", Reason: "must not be empty"}
	}

	return nil
}

// UpdateNodeConfig writes nodeConfig to disk, replacing whatever version
// was previously stored.
func (o *Orchestrator) UpdateNodeConfig(version, nodeConfig string) error {
	if err := o.CheckNodeConfig(version, nodeConfig); err != nil {
		return err
	}

	if err := os.WriteFile(o.cfg.NodeConfigFile, []byte(nodeConfig), 0o644); err != nil {
		return &core.ErrStorage{Operation: "write_node_config", Cause: err}
	}

	return nil
}

// readNodeConfig returns the version line (the file's first line by
// convention) and the full document. A missing file reports an empty
// version rather than an error, matching the "no config pushed yet"
// startup state.
func (o *Orchestrator) readNodeConfig() (version string, content string, err error) {
	data, err := os.ReadFile(o.cfg.NodeConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}

		return "", "", &core.ErrStorage{Operation: "read_node_config", Cause: err}
	}

	content = string(data)
	version = firstLine(content)

	return version, content, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}

	return s
}
