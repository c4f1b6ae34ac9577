package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.Error(t, err) // cmServerURL is required and has no default
	require.Nil(t, cfg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aos_servicemanager.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`
workingDir: /var/aos/sm
cmServerURL: aoscm.example.com:8093
journalAlerts:
  serviceAlertPriority: 9
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/aos/sm", cfg.WorkingDir)
	require.Equal(t, "aoscm.example.com:8093", cfg.CMServerURL)

	// out-of-range priority silently reset to default, recorded for logging
	require.Equal(t, defaultServiceAlertPriority, cfg.JournalAlerts.ServiceAlertPriority)
	require.Contains(t, cfg.PriorityResets(), "serviceAlertPriority")
}

func TestLoadAppliesDurationDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aos_servicemanager.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`
workingDir: /var/aos/sm
cmServerURL: aoscm.example.com:8093
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 720*time.Hour, cfg.ServiceTTL)
	require.Equal(t, 35*time.Second, cfg.ServiceHealthCheckTimeout)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.cfg"))
	require.Error(t, err) // still missing required cmServerURL
	require.Nil(t, cfg)
}
