package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/config"
	"github.com/aosedge/aos_servicemanager/internal/core"
)

type fakeInstanceIDResolver struct {
	ids []string
	err error
}

func (r *fakeInstanceIDResolver) GetInstanceIDs(ctx context.Context, filter core.Identifier) ([]string, error) {
	return r.ids, r.err
}

type syncObserver struct {
	mu   sync.Mutex
	logs []PushLog
}

func (o *syncObserver) OnLogReceived(ctx context.Context, log PushLog) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, log)

	return nil
}

func (o *syncObserver) received() []PushLog {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PushLog, len(o.logs))
	copy(out, o.logs)

	return out
}

func TestGetSystemLogProducesOKParts(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{RealTime: now, Message: "boot ok", SystemdUnit: "unitA.service"},
		{RealTime: now.Add(time.Second), Message: "ready", SystemdUnit: "unitB.service"},
	}
	handle := newFakeHandle(entries)
	observer := &syncObserver{}

	provider := NewLogProvider(config.LoggingConfig{}, &fakeInstanceIDResolver{}, func() (Handle, error) { return handle, nil }, observer, testLogger())
	provider.Start()
	defer provider.Stop()

	require.NoError(t, provider.GetSystemLog(context.Background(), "log-1", nil, nil))

	require.Eventually(t, func() bool { return len(observer.received()) > 0 }, time.Second, time.Millisecond*5)

	logs := observer.received()
	require.Equal(t, LogStatusOK, logs[0].Status)
	require.Equal(t, "log-1", logs[0].LogID)

	decompressed := decompress(t, logs[0].Content)
	require.Contains(t, decompressed, "unitA.service boot ok")
	require.Contains(t, decompressed, "unitB.service ready")
}

func TestGetInstanceLogWithNoInstancesSendsAbsent(t *testing.T) {
	observer := &syncObserver{}
	provider := NewLogProvider(config.LoggingConfig{}, &fakeInstanceIDResolver{}, func() (Handle, error) { return newFakeHandle(nil), nil }, observer, testLogger())
	provider.Start()
	defer provider.Stop()

	require.NoError(t, provider.GetInstanceLog(context.Background(), "log-2", core.Identifier{}, nil, nil))

	require.Eventually(t, func() bool { return len(observer.received()) > 0 }, time.Second, time.Millisecond*5)

	logs := observer.received()
	require.Equal(t, LogStatusAbsent, logs[0].Status)
}

func TestGetInstanceCrashLogNoCrashFoundSendsAbsent(t *testing.T) {
	entries := []Entry{
		{RealTime: time.Now(), Message: "normal operation", SystemdCGroup: "/x/aos-service@i1"},
	}
	handle := newFakeHandle(entries)
	observer := &syncObserver{}
	resolver := &fakeInstanceIDResolver{ids: []string{"i1"}}

	provider := NewLogProvider(config.LoggingConfig{}, resolver, func() (Handle, error) { return handle, nil }, observer, testLogger())
	provider.Start()
	defer provider.Stop()

	require.NoError(t, provider.GetInstanceCrashLog(context.Background(), "log-3", core.Identifier{}, nil, nil))

	require.Eventually(t, func() bool { return len(observer.received()) > 0 }, time.Second, time.Millisecond*5)

	logs := observer.received()
	require.Equal(t, LogStatusAbsent, logs[0].Status)
}

func TestGetCrashTimeDetectsProcessExitedThenStarted(t *testing.T) {
	entries := []Entry{
		{Message: "Started service", MonotonicTime: 1 * time.Second},
		{Message: "running", MonotonicTime: 2 * time.Second},
		{Message: "process exited, code=exited", MonotonicTime: 3 * time.Second},
	}
	handle := newFakeHandle(entries)
	require.NoError(t, handle.SeekTail())

	crashTime, found := getCrashTime(handle, nil)
	require.True(t, found)
	require.Equal(t, 3*time.Second, crashTime)
}

func TestMakeUnitNameFromInstanceID(t *testing.T) {
	require.Equal(t, "aos-service@abc.service", makeUnitNameFromInstanceID("abc"))
}

func TestGetUnitNameFromLogFallsBackToCGroup(t *testing.T) {
	name := getUnitNameFromLog(Entry{SystemdCGroup: "/system.slice/system-aos@service.slice/instance-id"})
	require.Equal(t, "aos-service@instance-id.service", name)

	name = getUnitNameFromLog(Entry{SystemdCGroup: "/x/aos-service@instance-id.service"})
	require.Equal(t, "aos-service@instance-id.service", name)
}
