package network

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ExecPlugin(ctx context.Context, payload []byte, pluginPath string, env []string) ([]byte, error) {
	args := m.Called(ctx, payload, pluginPath, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func newTestCNI(t *testing.T, exec PluginExecutor) *CNI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(exec, t.TempDir(), logger)
	require.NoError(t, err)
	return c
}

func TestAddNetworkListChainsAllFourStages(t *testing.T) {
	exec := &mockExecutor{}

	bridgeOut, _ := json.Marshal(wireResult{CNIVersion: "1.0.0", Interfaces: []Interface{{Name: "eth0"}}})
	dnsOut := bridgeOut
	firewallOut := bridgeOut
	bandwidthOut, _ := json.Marshal(wireResult{
		CNIVersion: "1.0.0",
		Interfaces: []Interface{{Name: "eth0"}},
		IPs:        []IPConfig{{Version: "4", Address: "10.0.0.5/24"}},
	})

	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/bridge", mock.Anything).Return(bridgeOut, nil).Once()
	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/dnsname", mock.Anything).Return(dnsOut, nil).Once()
	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/aos-firewall", mock.Anything).Return(firewallOut, nil).Once()
	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/bandwidth", mock.Anything).Return(bandwidthOut, nil).Once()

	c := newTestCNI(t, exec)

	net := NetworkList{
		Name:      "aosnet0",
		Version:   "1.0.0",
		Bridge:    BridgeConfig{Type: "bridge", Bridge: "aosbr0"},
		DNS:       DNSConfig{Type: "dnsname"},
		Firewall:  FirewallConfig{Type: "aos-firewall"},
		Bandwidth: BandwidthConfig{Type: "bandwidth", IngressRate: 1000},
	}
	rt := RuntimeConf{ContainerID: "cid0", IfName: "eth0"}

	result, err := c.AddNetworkList(context.Background(), net, rt)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5/24", result.IPs[0].Address)

	exec.AssertExpectations(t)
}

func TestAddNetworkListSkipsOmittedStages(t *testing.T) {
	exec := &mockExecutor{}

	bridgeOut, _ := json.Marshal(wireResult{CNIVersion: "1.0.0"})
	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/bridge", mock.Anything).Return(bridgeOut, nil).Once()

	c := newTestCNI(t, exec)

	net := NetworkList{
		Name:    "aosnet0",
		Version: "1.0.0",
		Bridge:  BridgeConfig{Type: "bridge"},
		// DNS, Firewall, Bandwidth all have empty Type: omitted.
	}
	rt := RuntimeConf{ContainerID: "cid1"}

	_, err := c.AddNetworkList(context.Background(), net, rt)
	require.NoError(t, err)

	exec.AssertExpectations(t)
	exec.AssertNotCalled(t, "ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/dnsname", mock.Anything)
}

func TestAddNetworkListWritesCacheEntryAndDeleteRemovesIt(t *testing.T) {
	exec := &mockExecutor{}

	bridgeOut, _ := json.Marshal(wireResult{CNIVersion: "1.0.0"})
	exec.On("ExecPlugin", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(bridgeOut, nil)

	c := newTestCNI(t, exec)
	net := NetworkList{Name: "aosnet0", Version: "1.0.0", Bridge: BridgeConfig{Type: "bridge"}}
	rt := RuntimeConf{ContainerID: "cid2"}

	_, err := c.AddNetworkList(context.Background(), net, rt)
	require.NoError(t, err)

	loadedNet, loadedRT, err := c.LoadCachedConfig("aosnet0", "cid2")
	require.NoError(t, err)
	require.Equal(t, "bridge", loadedNet.Bridge.Type)
	require.Equal(t, "cid2", loadedRT.ContainerID)

	require.NoError(t, c.DeleteNetworkList(context.Background(), net, rt))

	_, _, err = c.LoadCachedConfig("aosnet0", "cid2")
	require.Error(t, err)
}

func TestDeleteNetworkListBestEffortContinuesOnStageFailure(t *testing.T) {
	exec := &mockExecutor{}

	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/bridge", mock.Anything).
		Return(nil, assertError("bridge plugin exploded"))
	okOut, _ := json.Marshal(wireResult{CNIVersion: "1.0.0"})
	exec.On("ExecPlugin", mock.Anything, mock.Anything, "/opt/cni/bin/aos-firewall", mock.Anything).Return(okOut, nil)

	c := newTestCNI(t, exec)
	net := NetworkList{
		Name:     "aosnet0",
		Version:  "1.0.0",
		Bridge:   BridgeConfig{Type: "bridge"},
		Firewall: FirewallConfig{Type: "aos-firewall"},
	}
	rt := RuntimeConf{ContainerID: "cid3"}

	// Make the cache entry path a non-empty directory so its removal
	// fails with something other than "not exist" — DEL still runs every
	// plugin stage best-effort, but the terminal cache removal error
	// must still surface.
	cachePath := c.cacheEntryPath(net.Name, rt.ContainerID)
	require.NoError(t, os.MkdirAll(cachePath, 0o700))
	require.NoError(t, os.WriteFile(cachePath+"/blocker", []byte("x"), 0o600))

	err := c.DeleteNetworkList(context.Background(), net, rt)
	require.Error(t, err)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
