package launcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSystemdConn struct {
	mu          sync.Mutex
	units       map[string]RunState
	startErr    error
	stopErr     error
	resetErr    error
	closed      bool
}

func newFakeSystemdConn() *fakeSystemdConn {
	return &fakeSystemdConn{units: make(map[string]RunState)}
}

func (f *fakeSystemdConn) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]UnitStatus, 0, len(f.units))
	for name, state := range f.units {
		out = append(out, UnitStatus{Name: name, ActiveState: state})
	}

	return out, nil
}

func (f *fakeSystemdConn) GetUnitStatus(ctx context.Context, name string) (UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return UnitStatus{Name: name, ActiveState: f.units[name]}, nil
}

func (f *fakeSystemdConn) StartUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	if f.startErr != nil {
		return f.startErr
	}

	f.mu.Lock()
	f.units[name] = RunStateActive
	f.mu.Unlock()

	return nil
}

func (f *fakeSystemdConn) StopUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	if f.stopErr != nil {
		return f.stopErr
	}

	f.mu.Lock()
	delete(f.units, name)
	f.mu.Unlock()

	return nil
}

func (f *fakeSystemdConn) ResetFailedUnit(ctx context.Context, name string) error {
	return f.resetErr
}

func (f *fakeSystemdConn) Close() { f.closed = true }

type fakeStatusReceiver struct {
	mu       sync.Mutex
	statuses [][]RunStatus
}

func (r *fakeStatusReceiver) UpdateRunStatus(ctx context.Context, statuses []RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statuses)

	return nil
}

func (r *fakeStatusReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.statuses)
}

func TestStartInstanceWritesDropInAndStartsUnit(t *testing.T) {
	systemd := newFakeSystemdConn()
	receiver := &fakeStatusReceiver{}
	l := NewLauncher(systemd, receiver, testLogger())
	l.dropInsDir = t.TempDir()

	status := l.StartInstance(context.Background(), "inst-1", RunParameters{})

	require.NoError(t, status.Err)
	require.Equal(t, RunStateActive, status.State)
	require.Equal(t, "inst-1", status.InstanceID)
}

func TestStopInstanceRemovesDropIn(t *testing.T) {
	systemd := newFakeSystemdConn()
	receiver := &fakeStatusReceiver{}
	l := NewLauncher(systemd, receiver, testLogger())
	l.dropInsDir = t.TempDir()

	l.StartInstance(context.Background(), "inst-2", RunParameters{})
	require.NoError(t, l.StopInstance(context.Background(), "inst-2"))
}

func TestStopInstanceToleratesNotFound(t *testing.T) {
	systemd := newFakeSystemdConn()
	systemd.stopErr = &core.ErrNotFound{Resource: "systemd unit", Key: "aos-service@inst-3.service"}
	receiver := &fakeStatusReceiver{}
	l := NewLauncher(systemd, receiver, testLogger())
	l.dropInsDir = t.TempDir()

	require.NoError(t, l.StopInstance(context.Background(), "inst-3"))
}

func TestCreateSystemdUnitNameRoundTrip(t *testing.T) {
	unit := createSystemdUnitName("abc-123")
	require.Equal(t, "aos-service@abc-123.service", unit)
	require.Equal(t, "abc-123", createInstanceID(unit))
}

func TestMonitorUnitsReportsOnChange(t *testing.T) {
	systemd := newFakeSystemdConn()
	receiver := &fakeStatusReceiver{}
	l := NewLauncher(systemd, receiver, testLogger())
	l.dropInsDir = t.TempDir()

	l.StartInstance(context.Background(), "inst-4", RunParameters{})

	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return receiver.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestSetRunParametersRejectsNonPositiveIntervals(t *testing.T) {
	systemd := newFakeSystemdConn()
	receiver := &fakeStatusReceiver{}
	l := NewLauncher(systemd, receiver, testLogger())
	l.dropInsDir = t.TempDir()

	err := l.setRunParameters("aos-service@x.service", RunParameters{StartInterval: 0, RestartInterval: 0})
	require.Error(t, err)
}
