package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/config"
	"github.com/aosedge/aos_servicemanager/internal/core"
)

type fakeInstanceProvider struct {
	infos map[string]InstanceInfo
	err   error
}

func (p *fakeInstanceProvider) GetInstanceInfo(ctx context.Context, instanceID string) (InstanceInfo, error) {
	if p.err != nil {
		return InstanceInfo{}, p.err
	}

	info, ok := p.infos[instanceID]
	if !ok {
		return InstanceInfo{}, &core.ErrNotFound{Resource: "instance", Key: instanceID}
	}

	return info, nil
}

func newTestMonitorForClassify(t *testing.T, provider InstanceInfoProvider, filters []string) *Monitor {
	t.Helper()

	cfg := config.JournalAlertsConfig{Filter: filters, ServiceAlertPriority: 4, SystemAlertPriority: 3}

	return NewMonitor(cfg, provider, nil, nil, nil, nil)
}

func TestParseInstanceID(t *testing.T) {
	id, err := parseInstanceID("/system.slice/system-aos@service.slice/aos-service@abc-123.service")
	require.NoError(t, err)
	require.Equal(t, "abc-123", id)

	_, err = parseInstanceID("aos-updatemanager.service")
	require.Error(t, err)
}

func TestClassifyUnitInitScope(t *testing.T) {
	unit, skip := classifyUnit(Entry{SystemdUnit: "init.scope", Priority: 5, Unit: "aos-service@x.service"}, 4)
	require.True(t, skip)
	require.Empty(t, unit)

	unit, skip = classifyUnit(Entry{SystemdUnit: "init.scope", Priority: 2, Unit: "aos-service@x.service"}, 4)
	require.False(t, skip)
	require.Equal(t, "aos-service@x.service", unit)
}

func TestClassifyUnitEmptyFallsBackToCGroup(t *testing.T) {
	unit, skip := classifyUnit(Entry{SystemdUnit: "", SystemdCGroup: "/a/b/c"}, 4)
	require.False(t, skip)
	require.Equal(t, "/a/b/c", unit)
}

func TestClassifyServiceInstanceAlert(t *testing.T) {
	provider := &fakeInstanceProvider{infos: map[string]InstanceInfo{
		"inst-1": {Ident: core.Identifier{ServiceID: "svc", SubjectID: "subj", InstanceIndex: 0}, ServiceVersion: "1.0.0"},
	}}
	m := newTestMonitorForClassify(t, provider, nil)

	entry := Entry{RealTime: time.Now(), Message: "boom"}
	alert, err := m.classify(context.Background(), entry, "aos-service@inst-1.service")
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, AlertKindServiceInstance, alert.Kind)
	require.Equal(t, "1.0.0", alert.ServiceVersion)
	require.Equal(t, "svc", alert.InstanceIdent.ServiceID)
}

func TestClassifyCoreComponentAlert(t *testing.T) {
	m := newTestMonitorForClassify(t, nil, nil)

	entry := Entry{RealTime: time.Now(), Message: "restarting"}
	alert, err := m.classify(context.Background(), entry, "aos-updatemanager.service")
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, AlertKindCore, alert.Kind)
	require.Equal(t, CoreComponentUpdateManager, alert.CoreComponent)
}

func TestClassifySystemAlert(t *testing.T) {
	m := newTestMonitorForClassify(t, nil, nil)

	entry := Entry{RealTime: time.Now(), Message: "disk almost full"}
	alert, err := m.classify(context.Background(), entry, "some-other.service")
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, AlertKindSystem, alert.Kind)
}

func TestClassifySystemAlertSuppressedByFilter(t *testing.T) {
	m := newTestMonitorForClassify(t, nil, []string{"^noisy.*"})

	entry := Entry{RealTime: time.Now(), Message: "noisy heartbeat message"}
	alert, err := m.classify(context.Background(), entry, "some-other.service")
	require.NoError(t, err)
	require.Nil(t, alert)
}
