// Package launcher starts and stops service instances as systemd units and
// reports their run state back to the orchestrator, grounded on the
// original implementation's runner/runner.cpp and runner/systemdconn.cpp.
package launcher

import (
	"context"
	"time"
)

// RunState mirrors InstanceRunStateEnum: systemd reports many transient
// states (reloading, activating, deactivating, inactive, failed), and the
// original collapses all of them but "active" into Failed, so the
// orchestrator only ever sees a binary signal.
type RunState int

const (
	RunStateFailed RunState = iota
	RunStateActive
)

func (s RunState) String() string {
	if s == RunStateActive {
		return "active"
	}

	return "failed"
}

// RunStatus is one instance's most recently observed run state.
type RunStatus struct {
	InstanceID string
	State      RunState
	Err        error
}

// RunParameters configures a unit's systemd restart policy. Zero fields
// are filled in with the package defaults, matching the "fix run
// parameters" step of the original's StartInstance.
type RunParameters struct {
	StartInterval   time.Duration
	StartBurst      int
	RestartInterval time.Duration
}

const (
	defaultStartInterval   = 5 * time.Second
	defaultStartBurst      = 3
	defaultRestartInterval = 1 * time.Second

	startTimeMultiplier = 1.2

	defaultStopTimeout = 5 * time.Second
	statusPollPeriod    = time.Second
)

func (p RunParameters) withDefaults() RunParameters {
	if p.StartInterval == 0 {
		p.StartInterval = defaultStartInterval
	}

	if p.StartBurst == 0 {
		p.StartBurst = defaultStartBurst
	}

	if p.RestartInterval == 0 {
		p.RestartInterval = defaultRestartInterval
	}

	return p
}

// UnitStatus is one systemd unit's name and collapsed active state, as
// returned by SystemdConn.ListUnits/GetUnitStatus.
type UnitStatus struct {
	Name         string
	ActiveState  RunState
}

// SystemdConn is the systemd D-Bus surface the launcher needs, satisfied
// by dbusConn (github.com/coreos/go-systemd/v22/dbus) in production and by
// a fake in tests.
type SystemdConn interface {
	ListUnits(ctx context.Context) ([]UnitStatus, error)
	GetUnitStatus(ctx context.Context, name string) (UnitStatus, error)
	StartUnit(ctx context.Context, name, mode string, timeout time.Duration) error
	StopUnit(ctx context.Context, name, mode string, timeout time.Duration) error
	ResetFailedUnit(ctx context.Context, name string) error
	Close()
}

// StatusReceiver is notified whenever the set of monitored instances'
// run states changes, matching RunStatusReceiverItf::UpdateRunStatus.
type StatusReceiver interface {
	UpdateRunStatus(ctx context.Context, statuses []RunStatus) error
}
