package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// Client maintains a single reconnecting stream to the cloud manager,
// dispatches incoming commands to the components that implement them, and
// serializes all outgoing writes behind one mutex, grounded on
// smclient.cpp's SMClient.
type Client struct {
	url              string
	reconnectTimeout time.Duration
	dial             Dialer
	logger           *slog.Logger

	nodeConfig   NodeConfigManager
	runInstances RunInstancesHandler
	networks     NetworkUpdater
	logs         LogRequester
	monitoring   MonitoringSource

	mu          sync.Mutex
	session     Session
	stopped     bool
	subscribers []ConnectionSubscriber

	stoppedCh chan struct{}
	done      chan struct{}
}

// NewClient constructs a Client. Call Start to begin the connection loop.
func NewClient(
	url string,
	reconnectTimeout time.Duration,
	dial Dialer,
	nodeConfig NodeConfigManager,
	runInstances RunInstancesHandler,
	networks NetworkUpdater,
	logs LogRequester,
	monitoring MonitoringSource,
	logger *slog.Logger,
) *Client {
	return &Client{
		url:              url,
		reconnectTimeout: reconnectTimeout,
		dial:             dial,
		nodeConfig:       nodeConfig,
		runInstances:     runInstances,
		networks:         networks,
		logs:             logs,
		monitoring:       monitoring,
		logger:           logger,
		stopped:          true,
	}
}

// Start begins the connection loop in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()

	if !c.stopped {
		c.mu.Unlock()

		return &core.ErrRuntime{Component: "upstream", Cause: errAlreadyStarted}
	}

	c.stopped = false
	c.stoppedCh = make(chan struct{})
	c.done = make(chan struct{})

	c.mu.Unlock()

	go c.connectionLoop(ctx)

	return nil
}

// Stop halts the connection loop and closes the active session, if any.
func (c *Client) Stop() {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return
	}

	c.stopped = true
	close(c.stoppedCh)

	if c.session != nil {
		_ = c.session.Close()
	}

	c.mu.Unlock()

	<-c.done
}

// Subscribe registers a connection-status subscriber.
func (c *Client) Subscribe(subscriber ConnectionSubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribers = append(c.subscribers, subscriber)
}

// Unsubscribe removes a previously registered subscriber.
func (c *Client) Unsubscribe(subscriber ConnectionSubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subscribers {
		if s == subscriber {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)

			return
		}
	}
}

// SendMonitoringData writes an instant monitoring sample to the stream.
func (c *Client) SendMonitoringData(data NodeMonitoring) error {
	return c.send(OutgoingMessage{Kind: KindInstantMonitoring, InstantMonitoring: &data})
}

// SendAlert writes an alert to the stream.
func (c *Client) SendAlert(alert AlertMessage) error {
	return c.send(OutgoingMessage{Kind: KindAlert, Alert: &alert})
}

// OnLogReceived writes a log part to the stream. The telemetry bridge
// (internal/orchestrator/telemetry.go) calls it for each push-log event.
func (c *Client) OnLogReceived(log PushLogMessage) error {
	return c.send(OutgoingMessage{Kind: KindLog, Log: &log})
}

// InstancesRunStatus writes the full set of instance run statuses.
func (c *Client) InstancesRunStatus(instances []InstanceStatus) error {
	return c.send(OutgoingMessage{Kind: KindRunInstancesStatus, RunInstancesStatus: &InstancesStatus{Instances: instances}})
}

// InstancesUpdateStatus writes an incremental instance status update.
func (c *Client) InstancesUpdateStatus(instances []InstanceStatus) error {
	return c.send(OutgoingMessage{
		Kind: KindUpdateInstancesStatus, UpdateInstancesStatus: &InstancesStatus{Instances: instances},
	})
}

func (c *Client) send(msg OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return &core.ErrRuntime{Component: "upstream", Cause: errNoSession}
	}

	if err := c.session.Send(msg); err != nil {
		return &core.ErrRuntime{Component: "upstream", Cause: err}
	}

	return nil
}

func (c *Client) sendNodeConfigStatus(version string, configErr error) bool {
	status := &NodeConfigStatus{Version: version}
	if configErr != nil {
		status.ErrorMsg = configErr.Error()
	}

	return c.send(OutgoingMessage{Kind: KindNodeConfigStatus, NodeConfigStatus: status}) == nil
}

func (c *Client) connectionLoop(ctx context.Context) {
	defer close(c.done)

	c.logger.Debug("upstream connection loop started")

	for {
		if c.register(ctx) {
			c.handleIncomingMessages(ctx)
			c.logger.Debug("upstream connection closed")
		}

		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()

		if stopped {
			break
		}

		select {
		case <-time.After(c.reconnectTimeout):
		case <-c.stoppedCh:
		case <-ctx.Done():
			return
		}

		c.mu.Lock()
		stopped = c.stopped
		c.mu.Unlock()

		if stopped {
			break
		}
	}

	c.logger.Debug("upstream connection loop stopped")
}

func (c *Client) register(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}

	session, err := c.dial(ctx, c.url)
	if err != nil {
		c.logger.Error("can't connect to upstream", "error", err)

		return false
	}

	c.session = session

	version, configErr := c.nodeConfig.GetNodeConfigVersion()

	if err := session.Send(OutgoingMessage{Kind: KindNodeConfigStatus, NodeConfigStatus: c.nodeConfigStatus(version, configErr)}); err != nil {
		c.logger.Error("can't send node config status", "error", err)

		return false
	}

	statuses, err := c.runInstances.GetCurrentRunStatus()
	if err != nil {
		c.logger.Error("can't get current run status", "error", err)

		return false
	}

	if err := session.Send(OutgoingMessage{Kind: KindRunInstancesStatus, RunInstancesStatus: &InstancesStatus{Instances: statuses}}); err != nil {
		c.logger.Error("can't send current run status", "error", err)

		return false
	}

	c.logger.Info("upstream connection established")

	return true
}

func (c *Client) nodeConfigStatus(version string, configErr error) *NodeConfigStatus {
	status := &NodeConfigStatus{Version: version}
	if configErr != nil {
		status.ErrorMsg = configErr.Error()
	}

	return status
}

func (c *Client) handleIncomingMessages(ctx context.Context) {
	for {
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		if session == nil {
			return
		}

		msg, err := session.Recv()
		if err != nil {
			c.logger.Debug("upstream stream closed", "error", err)

			return
		}

		if !c.dispatch(ctx, msg) {
			return
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg IncomingMessage) bool {
	switch msg.Kind {
	case KindGetNodeConfigStatus:
		version, configErr := c.nodeConfig.GetNodeConfigVersion()

		return c.sendNodeConfigStatus(version, configErr)
	case KindCheckNodeConfig:
		configErr := c.nodeConfig.CheckNodeConfig(msg.CheckNodeConfig.Version, msg.CheckNodeConfig.NodeConfig)

		return c.sendNodeConfigStatus(msg.CheckNodeConfig.Version, configErr)
	case KindSetNodeConfig:
		configErr := c.nodeConfig.UpdateNodeConfig(msg.SetNodeConfig.Version, msg.SetNodeConfig.NodeConfig)

		return c.sendNodeConfigStatus(msg.SetNodeConfig.Version, configErr)
	case KindRunInstances:
		req := msg.RunInstances
		if err := c.runInstances.RunInstances(req.Services, req.Layers, req.Instances, req.ForceRestart); err != nil {
			c.logger.Error("run instances failed", "error", err)

			return false
		}

		return true
	case KindUpdateNetworks:
		if err := c.networks.UpdateNetworks(msg.UpdateNetworks.Networks); err != nil {
			c.logger.Error("update networks failed", "error", err)

			return false
		}

		return true
	case KindSystemLogRequest:
		req := msg.SystemLogRequest
		if err := c.logs.GetSystemLog(ctx, req.LogID, req.From, req.Till); err != nil {
			c.logger.Error("get system log failed", "error", err)

			return false
		}

		return true
	case KindInstanceLogRequest:
		req := msg.InstanceLogRequest
		if err := c.logs.GetInstanceLog(ctx, req.LogID, req.ServiceID, req.SubjectID, req.InstanceIndex, req.From, req.Till); err != nil {
			c.logger.Error("get instance log failed", "error", err)

			return false
		}

		return true
	case KindInstanceCrashLogRequest:
		req := msg.InstanceCrashLogRequest
		if err := c.logs.GetInstanceCrashLog(ctx, req.LogID, req.ServiceID, req.SubjectID, req.InstanceIndex, req.From, req.Till); err != nil {
			c.logger.Error("get instance crash log failed", "error", err)

			return false
		}

		return true
	case KindOverrideEnvVars:
		statuses, err := c.runInstances.OverrideEnvVars(msg.OverrideEnvVars.Items)
		if err != nil {
			c.logger.Error("override env vars failed", "error", err)

			return c.send(OutgoingMessage{Kind: KindOverrideEnvVarStatus, OverrideEnvVarStatus: &OverrideEnvVarStatus{}}) == nil
		}

		return c.send(OutgoingMessage{
			Kind:                 KindOverrideEnvVarStatus,
			OverrideEnvVarStatus: &OverrideEnvVarStatus{Statuses: statuses},
		}) == nil
	case KindGetAverageMonitoring:
		data, err := c.monitoring.GetAverageMonitoringData()
		if err != nil {
			c.logger.Error("get average monitoring failed", "error", err)

			return false
		}

		return c.send(OutgoingMessage{Kind: KindAverageMonitoring, AverageMonitoring: &data}) == nil
	case KindConnectionStatus:
		c.notifyConnectionStatus(msg.ConnectionStatus.Connected)

		return true
	default:
		c.logger.Error("unsupported upstream message kind", "kind", msg.Kind)

		return false
	}
}

func (c *Client) notifyConnectionStatus(connected bool) {
	c.mu.Lock()
	subscribers := append([]ConnectionSubscriber(nil), c.subscribers...)
	c.mu.Unlock()

	for _, subscriber := range subscribers {
		if connected {
			subscriber.OnConnect()
		} else {
			subscriber.OnDisconnect()
		}
	}
}
