package orchestrator

import (
	"context"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/journal"
	"github.com/aosedge/aos_servicemanager/internal/launcher"
	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// GetCurrentRunStatus implements the other half of
// upstream.RunInstancesHandler: the snapshot sent immediately on
// reconnect so the cloud manager doesn't have to wait for the next
// RunInstances round trip to learn what's already running.
func (o *Orchestrator) GetCurrentRunStatus() ([]upstream.InstanceStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	statuses := make([]upstream.InstanceStatus, 0, len(o.statuses))
	for _, status := range o.statuses {
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// UpdateRunStatus implements launcher.StatusReceiver: the launcher calls
// this whenever its polling loop observes a change in a unit's active
// state, independently of any in-flight RunInstances call, which is what
// produces the incremental UpdateInstancesStatus stream spec §4.9 names
// alongside the RunInstances-triggered aggregate report.
func (o *Orchestrator) UpdateRunStatus(ctx context.Context, statuses []launcher.RunStatus) error {
	for _, status := range statuses {
		o.setStatus(status.InstanceID, status)
	}

	return nil
}

// SendAlert implements journal.AlertSender. The journal pipeline has no
// knowledge of the upstream transport; it only knows it must hand a
// classified alert to something that will get it to the cloud manager.
// Publishing onto the telemetry bus (rather than calling *upstream.Client
// directly) keeps journal decoupled from upstream exactly the way
// launcher and the orchestrator itself are.
func (o *Orchestrator) SendAlert(ctx context.Context, alert journal.Alert) error {
	o.publish(realtime.EventTypeAlert, map[string]interface{}{
		"payload": upstream.AlertMessage{
			Timestamp: alert.Timestamp,
			Kind:      string(alert.Kind),
			Message:   alert.Message,
			Tag:       alertTag(alert),
		},
	})

	return nil
}

func alertTag(alert journal.Alert) string {
	if alert.Kind == journal.AlertKindCore {
		return string(alert.CoreComponent)
	}

	return ""
}

// OnLogReceived implements journal.LogObserver, publishing each log part
// the same way SendAlert publishes alerts.
func (o *Orchestrator) OnLogReceived(ctx context.Context, log journal.PushLog) error {
	o.publish(realtime.EventTypePushLog, map[string]interface{}{
		"payload": upstream.PushLogMessage{
			LogID:      log.LogID,
			Part:       log.Part,
			PartsCount: log.PartsCount,
			Status:     string(log.Status),
			ErrorMsg:   log.ErrorMsg,
			Content:    log.Content,
		},
	})

	return nil
}

// GetInstanceInfo implements journal.InstanceInfoProvider, resolving a
// systemd-unit-embedded instance ID back to the identifier and service
// version the alert classifier attaches to a ServiceInstanceAlert.
func (o *Orchestrator) GetInstanceInfo(ctx context.Context, instanceID string) (journal.InstanceInfo, error) {
	all, err := o.instances.GetAllInstances(ctx)
	if err != nil {
		return journal.InstanceInfo{}, err
	}

	for _, inst := range all {
		if inst.InstanceID == instanceID {
			version, _ := o.serviceVersion(ctx, inst.Ident.ServiceID)

			return journal.InstanceInfo{Ident: inst.Ident, ServiceVersion: version}, nil
		}
	}

	return journal.InstanceInfo{}, &core.ErrNotFound{Resource: "instance", Key: instanceID}
}

func (o *Orchestrator) serviceVersion(ctx context.Context, serviceID string) (string, error) {
	services, err := o.services.GetAllServices(ctx)
	if err != nil {
		return "", err
	}

	for _, svc := range services {
		if svc.ServiceID == serviceID && svc.State == core.StateActive {
			return svc.Version, nil
		}
	}

	return "", &core.ErrNotFound{Resource: "service", Key: serviceID}
}

// GetInstanceIDs implements journal.InstanceIDResolver, resolving a
// (possibly partial) identifier filter to the concrete instance IDs a
// log request should be served against.
func (o *Orchestrator) GetInstanceIDs(ctx context.Context, filter core.Identifier) ([]string, error) {
	all, err := o.instances.GetAllInstances(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string

	for _, inst := range all {
		if matchesFilter(inst.Ident, filter) {
			ids = append(ids, inst.InstanceID)
		}
	}

	return ids, nil
}

func matchesFilter(ident, filter core.Identifier) bool {
	if filter.ServiceID != "" && filter.ServiceID != ident.ServiceID {
		return false
	}

	if filter.SubjectID != "" && filter.SubjectID != ident.SubjectID {
		return false
	}

	if filter.InstanceIndex != 0 && filter.InstanceIndex != ident.InstanceIndex {
		return false
	}

	return true
}

// GetSystemLog, GetInstanceLog and GetInstanceCrashLog implement
// upstream.LogRequester, adapting the wire request's flat
// (serviceID, subjectID, instanceIndex) fields to the core.Identifier
// filter journal.LogProvider's own methods take.
func (o *Orchestrator) GetSystemLog(ctx context.Context, logID string, from, till *time.Time) error {
	return o.logs.GetSystemLog(ctx, logID, from, till)
}

func (o *Orchestrator) GetInstanceLog(
	ctx context.Context, logID, serviceID, subjectID string, instanceIndex *int, from, till *time.Time,
) error {
	return o.logs.GetInstanceLog(ctx, logID, logFilter(serviceID, subjectID, instanceIndex), from, till)
}

func (o *Orchestrator) GetInstanceCrashLog(
	ctx context.Context, logID, serviceID, subjectID string, instanceIndex *int, from, till *time.Time,
) error {
	return o.logs.GetInstanceCrashLog(ctx, logID, logFilter(serviceID, subjectID, instanceIndex), from, till)
}

func logFilter(serviceID, subjectID string, instanceIndex *int) core.Identifier {
	filter := core.Identifier{ServiceID: serviceID, SubjectID: subjectID}
	if instanceIndex != nil {
		filter.InstanceIndex = uint64(*instanceIndex)
	}

	return filter
}
