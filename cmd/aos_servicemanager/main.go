// Command aos_servicemanager runs the Service Manager daemon: it owns the
// node's persistent store, installs and retires services/layers, attaches
// instance networking through the CNI pipeline, launches instances as
// systemd units, meters their traffic and resource usage, classifies
// journal entries into alerts, and streams all of it to the cloud manager
// over one reconnecting gRPC session.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/aosedge/aos_servicemanager/internal/config"
	"github.com/aosedge/aos_servicemanager/internal/image"
	"github.com/aosedge/aos_servicemanager/internal/journal"
	"github.com/aosedge/aos_servicemanager/internal/launcher"
	"github.com/aosedge/aos_servicemanager/internal/network"
	"github.com/aosedge/aos_servicemanager/internal/orchestrator"
	"github.com/aosedge/aos_servicemanager/internal/realtime"
	"github.com/aosedge/aos_servicemanager/internal/resource"
	"github.com/aosedge/aos_servicemanager/internal/store"
	"github.com/aosedge/aos_servicemanager/internal/traffic"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
	"github.com/aosedge/aos_servicemanager/pkg/logger"
)

// Version information, set by build (-ldflags "-X main.version=...").
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	useJournal bool
	verbosity  int
	nodeID     string
	nodeType   string
)

func main() {
	defer logPanics()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aos_servicemanager",
	Short:   "Aos Service Manager",
	Long:    "Service Manager installs, launches and monitors service instances on an Aos edge node, and streams their status to the cloud/cluster manager.",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.Flags().BoolVarP(&useJournal, "journal", "j", false, "send log output to the systemd journal instead of stdout")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	rootCmd.Flags().StringVar(&nodeID, "node-id", "sm-node", "node identifier reported in node config status")
	rootCmd.Flags().StringVar(&nodeType, "node-type", "sm", "node type reported in node config status")
}

// logPanics recovers a panic in main, logs a backtrace and re-raises it as
// a non-zero exit so supervisors (systemd Restart=on-failure) see a crash
// rather than a clean exit, mirroring the original's SIGSEGV handler's
// intent of never failing silently.
func logPanics() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  verbosityLevel(verbosity),
		Format: "json",
		Output: outputTarget(),
	})
	slog.SetDefault(log)

	for _, key := range cfg.PriorityResets() {
		log.Warn("alert priority out of range, reset to default", "key", key)
	}

	log.Info("starting service manager", "version", version, "commit", gitCommit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", "error", err)
	} else if sent {
		log.Debug("notified systemd readiness")
	}

	waitForSignal(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	d.Stop(shutdownCtx)

	log.Info("service manager stopped")

	return nil
}

func waitForSignal(log *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	sig := <-quit
	log.Info("received shutdown signal", "signal", sig.String())
}

func verbosityLevel(v int) string {
	switch {
	case v >= 3:
		return "debug"
	case v == 2:
		return "info"
	case v == 1:
		return "warn"
	default:
		return "error"
	}
}

func outputTarget() string {
	if useJournal {
		return "journal"
	}

	return "stdout"
}

// daemon holds every long-lived component newDaemon wires together, in
// the order Start/Stop must bring them up and down.
type daemon struct {
	db           *store.Store
	cni          *network.CNI
	trafficMon   *traffic.Monitor
	images       *image.Handler
	unitLauncher *launcher.Launcher
	journalMon   *journal.Monitor
	logProvider  *journal.LogProvider
	usage        *resource.UsageProvider
	bus          *realtime.DefaultEventBus
	orch         *orchestrator.Orchestrator
	client       *upstream.Client
	bridge       interface{ Close() error }
	partitions   []resource.PartitionUsage
	onlineTicker *time.Ticker
	onlineDone   chan struct{}
}

func newDaemon(ctx context.Context, cfg *config.Config, log *slog.Logger) (*daemon, error) {
	db, err := store.New(ctx, cfg.WorkingDir+"/servicemanager.db", cfg.Migration.MigrationPath, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cni, err := network.New(network.NewProcessExecutor(), cfg.WorkingDir, log)
	if err != nil {
		return nil, fmt.Errorf("init network pipeline: %w", err)
	}

	trafficMon := traffic.NewMonitor(traffic.NewExecIPTables(), db, log, traffic.PeriodMonth, time.Minute)

	layerAllocator := image.NewFixedAllocator("layers", cfg.LayersPartLimit)
	serviceAllocator := image.NewFixedAllocator("services", cfg.ServicesPartLimit)

	images, err := image.New(layerAllocator, serviceAllocator, 0, log)
	if err != nil {
		return nil, fmt.Errorf("init image handler: %w", err)
	}

	systemdConn, err := launcher.OpenSystemdConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open systemd connection: %w", err)
	}

	usage := resource.NewUsageProvider(trafficMon)

	bus := realtime.NewEventBus(log, realtime.NewRealtimeMetrics("aos_sm"))

	orchCfg := orchestrator.Config{
		NodeID:             nodeID,
		NodeType:           nodeType,
		NodeConfigFile:     cfg.NodeConfigFile,
		ServicesInstallDir: cfg.ServicesDir,
		LayersInstallDir:   cfg.LayersDir,
		ServiceTTL:         cfg.ServiceTTL,
		LayerTTL:           cfg.LayerTTL,
		PollPeriod:         cfg.Monitoring.PollPeriod,
		AverageWindow:      cfg.Monitoring.AverageWindow,
	}

	// orch is constructed first with nil units/logs: launcher.NewLauncher
	// and journal.NewLogProvider both need it as their StatusReceiver/
	// InstanceIDResolver/LogObserver before those collaborators exist, so
	// the real references are wired back in afterwards via setters rather
	// than constructing a second, divergent Orchestrator.
	orch := orchestrator.New(
		orchCfg, db, db, db, db, db, db,
		images, cni, nil, trafficMon, usage, nil, bus, log,
	)

	unitLauncher := launcher.NewLauncher(systemdConn, orch, log)
	orch.SetUnitLauncher(unitLauncher)

	logProvider := journal.NewLogProvider(cfg.Logging, orch, journal.OpenSystemJournal, orch, log)
	orch.SetLogRequester(logProvider)

	journalMon := journal.NewMonitor(cfg.JournalAlerts, orch, db, orch, log, journal.OpenSystemJournal)

	dialer, err := upstream.NewGRPCDialer(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("init grpc dialer: %w", err)
	}

	client := upstream.NewClient(cfg.CMServerURL, cfg.CMReconnectTimeout, dialer, orch, orch, orch, orch, orch, log)

	bridge, err := orchestrator.NewTelemetryBridge(ctx, bus, client, log)
	if err != nil {
		return nil, fmt.Errorf("wire telemetry bridge: %w", err)
	}

	return &daemon{
		db:           db,
		cni:          cni,
		trafficMon:   trafficMon,
		images:       images,
		unitLauncher: unitLauncher,
		journalMon:   journalMon,
		logProvider:  logProvider,
		usage:        usage,
		bus:          bus,
		orch:         orch,
		client:       client,
		bridge:       bridge,
		partitions: []resource.PartitionUsage{
			{Name: "services", Path: cfg.ServicesDir},
			{Name: "layers", Path: cfg.LayersDir},
			{Name: "storages", Path: cfg.StorageDir},
			{Name: "states", Path: cfg.StateDir},
		},
	}, nil
}

func (d *daemon) Start(ctx context.Context) error {
	if err := d.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	if err := d.trafficMon.Init(ctx, 0, 0); err != nil {
		return fmt.Errorf("init traffic monitor: %w", err)
	}

	d.trafficMon.Start(ctx)
	d.unitLauncher.Start(ctx)
	d.logProvider.Start()

	if err := d.journalMon.Start(ctx); err != nil {
		return fmt.Errorf("start journal monitor: %w", err)
	}

	d.orch.StartMonitoring(ctx, d.partitions)

	d.onlineTicker = time.NewTicker(time.Minute)
	d.onlineDone = make(chan struct{})

	go d.flushOnlineTimeLoop(ctx)

	if err := d.client.Start(ctx); err != nil {
		return fmt.Errorf("start upstream client: %w", err)
	}

	return nil
}

func (d *daemon) flushOnlineTimeLoop(ctx context.Context) {
	defer close(d.onlineDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.onlineTicker.C:
			if err := d.orch.FlushOnlineTime(ctx); err != nil {
				slog.Default().Error("flush online time failed", "error", err)
			}
		}
	}
}

func (d *daemon) Stop(ctx context.Context) {
	d.client.Stop()

	if d.onlineTicker != nil {
		d.onlineTicker.Stop()
		<-d.onlineDone
	}

	if err := d.orch.FlushOnlineTime(ctx); err != nil {
		slog.Default().Error("final online time flush failed", "error", err)
	}

	d.orch.StopMonitoring()

	if err := d.journalMon.Stop(ctx); err != nil {
		slog.Default().Error("stop journal monitor failed", "error", err)
	}

	d.logProvider.Stop()
	d.unitLauncher.Stop()
	d.trafficMon.Stop()

	if err := d.bridge.Close(); err != nil {
		slog.Default().Error("close telemetry bridge failed", "error", err)
	}

	if err := d.bus.Stop(ctx); err != nil {
		slog.Default().Error("stop event bus failed", "error", err)
	}

	if err := d.db.Close(); err != nil {
		slog.Default().Error("close store failed", "error", err)
	}
}
