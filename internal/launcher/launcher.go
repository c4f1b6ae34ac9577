package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const (
	systemdUnitNameTemplate = "aos-service@%s.service"
	defaultDropInsDir       = "/run/systemd/system"
	parametersFileName      = "parameters.conf"

	dropInDirPerm  = 0o755
	paramsFilePerm = 0o644
)

// Launcher starts and stops service instances as systemd units, polling
// their active state on a fixed interval and reporting changes to a
// StatusReceiver, grounded on runner.cpp's Runner.
type Launcher struct {
	systemd     SystemdConn
	receiver    StatusReceiver
	logger      *slog.Logger
	dropInsDir  string

	mu            sync.Mutex
	runningUnits  map[string]RunState
	lastReported  int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLauncher constructs a Launcher. Call Start to begin unit monitoring.
func NewLauncher(systemd SystemdConn, receiver StatusReceiver, logger *slog.Logger) *Launcher {
	return &Launcher{
		systemd:      systemd,
		receiver:     receiver,
		logger:       logger,
		dropInsDir:   defaultDropInsDir,
		runningUnits: make(map[string]RunState),
	}
}

// Start begins the background unit-status polling loop.
func (l *Launcher) Start(ctx context.Context) {
	l.logger.Debug("start launcher")

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.monitorUnits(runCtx)
}

// Stop halts the polling loop and closes the systemd connection.
func (l *Launcher) Stop() {
	if l.cancel == nil {
		return
	}

	l.logger.Debug("stop launcher")

	l.cancel()
	<-l.done

	l.systemd.Close()
}

// StartInstance writes the unit's restart-policy drop-in, issues
// systemd StartUnit, and returns the resulting run status.
func (l *Launcher) StartInstance(ctx context.Context, instanceID string, params RunParameters) RunStatus {
	status := RunStatus{InstanceID: instanceID, State: RunStateFailed}

	fixed := params.withDefaults()

	l.logger.Debug("start service instance",
		"instanceID", instanceID,
		"startInterval", fixed.StartInterval,
		"startBurst", fixed.StartBurst,
		"restartInterval", fixed.RestartInterval)

	unitName := createSystemdUnitName(instanceID)

	if err := l.setRunParameters(unitName, fixed); err != nil {
		status.Err = err

		return status
	}

	startTimeout := time.Duration(float64(fixed.StartInterval) * startTimeMultiplier)

	if err := l.systemd.StartUnit(ctx, unitName, "replace", startTimeout); err != nil {
		status.Err = err

		return status
	}

	unitStatus, err := l.systemd.GetUnitStatus(ctx, unitName)
	status.State = unitStatus.ActiveState
	status.Err = err

	l.mu.Lock()
	l.runningUnits[unitName] = status.State
	l.mu.Unlock()

	l.logger.Debug("started instance", "unit", unitName, "state", status.State, "instanceID", instanceID, "err", err)

	return status
}

// StopInstance stops the instance's unit, clears its failed state, and
// removes the restart-policy drop-in.
func (l *Launcher) StopInstance(ctx context.Context, instanceID string) error {
	l.logger.Debug("stop service instance", "instanceID", instanceID)

	unitName := createSystemdUnitName(instanceID)

	l.mu.Lock()
	delete(l.runningUnits, unitName)
	l.mu.Unlock()

	if err := l.systemd.StopUnit(ctx, unitName, "replace", defaultStopTimeout); err != nil {
		if core.IsNotFound(err) {
			l.logger.Debug("service not loaded", "instanceID", instanceID)
		} else {
			return err
		}
	}

	if err := l.systemd.ResetFailedUnit(ctx, unitName); err != nil && !core.IsNotFound(err) {
		return err
	}

	return l.removeRunParameters(unitName)
}

func (l *Launcher) monitorUnits(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(statusPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollUnits(ctx)
		}
	}
}

func (l *Launcher) pollUnits(ctx context.Context) {
	units, err := l.systemd.ListUnits(ctx)
	if err != nil {
		l.logger.Error("systemd list units failed", "error", err)

		return
	}

	l.mu.Lock()

	changed := false

	for _, unit := range units {
		state, tracked := l.runningUnits[unit.Name]
		if !tracked {
			continue
		}

		if state != unit.ActiveState {
			l.runningUnits[unit.Name] = unit.ActiveState
			changed = true
		}
	}

	statuses := l.runningStatusesLocked()
	sizeChanged := len(l.runningUnits) != l.lastReported
	l.lastReported = len(l.runningUnits)

	l.mu.Unlock()

	if changed || sizeChanged {
		if err := l.receiver.UpdateRunStatus(ctx, statuses); err != nil {
			l.logger.Error("update run status failed", "error", err)
		}
	}
}

func (l *Launcher) runningStatusesLocked() []RunStatus {
	statuses := make([]RunStatus, 0, len(l.runningUnits))

	for name, state := range l.runningUnits {
		statuses = append(statuses, RunStatus{InstanceID: createInstanceID(name), State: state})
	}

	return statuses
}

func (l *Launcher) setRunParameters(unitName string, params RunParameters) error {
	const parametersFormat = "[Unit]\n" +
		"StartLimitIntervalSec=%ds\n" +
		"StartLimitBurst=%d\n\n" +
		"[Service]\n" +
		"RestartSec=%ds\n"

	if params.StartInterval < time.Millisecond || params.RestartInterval < time.Millisecond {
		return &core.ErrInvalidArgument{Field: "StartInterval/RestartInterval", Reason: "must be positive"}
	}

	content := fmt.Sprintf(parametersFormat,
		int(params.StartInterval/time.Second), params.StartBurst, int(params.RestartInterval/time.Second))

	dir := filepath.Join(l.dropInsDir, unitName+".d")

	if err := os.MkdirAll(dir, dropInDirPerm); err != nil {
		return &core.ErrRuntime{Component: "launcher", Cause: err}
	}

	if err := os.WriteFile(filepath.Join(dir, parametersFileName), []byte(content), paramsFilePerm); err != nil {
		return &core.ErrRuntime{Component: "launcher", Cause: err}
	}

	return nil
}

func (l *Launcher) removeRunParameters(unitName string) error {
	dir := filepath.Join(l.dropInsDir, unitName+".d")

	if err := os.RemoveAll(dir); err != nil {
		return &core.ErrRuntime{Component: "launcher", Cause: err}
	}

	return nil
}

func createSystemdUnitName(instanceID string) string {
	return fmt.Sprintf(systemdUnitNameTemplate, instanceID)
}

// createInstanceID reverses createSystemdUnitName, stripping the
// "aos-service@" prefix and ".service" suffix.
func createInstanceID(unitName string) string {
	const prefix = "aos-service@"
	const suffix = ".service"

	name := unitName

	if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}

	if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
		name = name[:len(name)-len(suffix)]
	}

	return name
}
