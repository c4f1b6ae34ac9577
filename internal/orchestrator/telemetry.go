package orchestrator

import (
	"context"
	"io"
	"log/slog"

	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// upstreamSender is the subset of *upstream.Client the telemetry bridge
// forwards bus events to.
type upstreamSender interface {
	SendAlert(alert upstream.AlertMessage) error
	OnLogReceived(log upstream.PushLogMessage) error
	SendMonitoringData(data upstream.NodeMonitoring) error
	InstancesRunStatus(instances []upstream.InstanceStatus) error
	InstancesUpdateStatus(instances []upstream.InstanceStatus) error
}

// telemetryBridge is a realtime.EventSubscriber that drains the
// producer→UCPC telemetry bus and forwards each event to the matching
// *upstream.Client method. internal/upstream's Client exposes a direct,
// strongly typed call for every outgoing message kind; the bridge exists
// so producers (orchestrator, launcher via the orchestrator's
// StatusReceiver adapter, journal via its AlertSender/LogObserver
// adapters) don't need a reference to the upstream client at all, only to
// the bus.
type telemetryBridge struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	client upstreamSender
	logger *slog.Logger
}

// NewTelemetryBridge constructs a bridge and subscribes it to bus. Call
// Close (or cancel the parent context) to unsubscribe. Exported so
// cmd/aos_servicemanager can wire it up once the *upstream.Client exists,
// since upstream.Client itself is constructed after the orchestrator.
func NewTelemetryBridge(ctx context.Context, bus realtime.EventBus, client upstreamSender, logger *slog.Logger) (io.Closer, error) {
	subCtx, cancel := context.WithCancel(ctx)

	bridge := &telemetryBridge{id: "telemetry-bridge", ctx: subCtx, cancel: cancel, client: client, logger: logger}

	if err := bus.Subscribe(bridge); err != nil {
		cancel()

		return nil, err
	}

	return bridge, nil
}

func (b *telemetryBridge) ID() string               { return b.id }
func (b *telemetryBridge) Context() context.Context { return b.ctx }
func (b *telemetryBridge) Close() error             { b.cancel(); return nil }

// Send implements realtime.EventSubscriber, unwrapping the event's
// "payload" entry (an already-typed upstream struct; the bus is
// in-process, so there is no wire format to marshal through) and handing
// it to the corresponding Client method.
func (b *telemetryBridge) Send(event realtime.Event) error {
	payload, ok := event.Data["payload"]
	if !ok {
		b.logger.Warn("telemetry event missing payload", "type", event.Type)

		return nil
	}

	var err error

	switch event.Type {
	case realtime.EventTypeAlert:
		if msg, ok := payload.(upstream.AlertMessage); ok {
			err = b.client.SendAlert(msg)
		}
	case realtime.EventTypePushLog:
		if msg, ok := payload.(upstream.PushLogMessage); ok {
			err = b.client.OnLogReceived(msg)
		}
	case realtime.EventTypeInstantMonitoring:
		if msg, ok := payload.(upstream.NodeMonitoring); ok {
			err = b.client.SendMonitoringData(msg)
		}
	case realtime.EventTypeRunInstancesStatus:
		if msg, ok := payload.(upstream.InstancesStatus); ok {
			err = b.client.InstancesRunStatus(msg.Instances)
		}
	case realtime.EventTypeUpdateInstancesStatus:
		if msg, ok := payload.(upstream.InstancesStatus); ok {
			err = b.client.InstancesUpdateStatus(msg.Instances)
		}
	default:
		b.logger.Debug("telemetry event has no upstream forwarder", "type", event.Type)
	}

	if err != nil {
		b.logger.Warn("forward telemetry event failed", "type", event.Type, "error", err)
	}

	return nil
}
