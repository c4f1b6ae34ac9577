package journal

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/config"
	"github.com/aosedge/aos_servicemanager/internal/core"
)

// maxQueuedLogRequests bounds the FIFO so a burst of log requests cannot
// grow memory without limit; further GetSystemLog/GetInstanceLog/
// GetInstanceCrashLog calls block until a slot
// frees up.
const maxQueuedLogRequests = 64

// LogProvider serves system, instance and instance-crash log requests by
// reading back through the journal and archiving matching entries.
type LogProvider struct {
	cfg       config.LoggingConfig
	resolver  InstanceIDResolver
	newHandle HandleFactory
	observer  LogObserver
	logger    *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []logRequest
	stopped bool
	running bool
	done    chan struct{}
}

// NewLogProvider builds a LogProvider. Call Start before scheduling
// requests.
func NewLogProvider(
	cfg config.LoggingConfig,
	resolver InstanceIDResolver,
	newHandle HandleFactory,
	observer LogObserver,
	logger *slog.Logger,
) *LogProvider {
	p := &LogProvider{
		cfg:       cfg,
		resolver:  resolver,
		newHandle: newHandle,
		observer:  observer,
		logger:    logger,
	}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// Start launches the single worker goroutine that serves queued requests.
func (p *LogProvider) Start() {
	p.mu.Lock()
	p.stopped = false
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.processLogs()
}

// Stop signals the worker to exit after it finishes the request it is
// currently serving (cooperative cancellation), then waits for it to do so.
func (p *LogProvider) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()

		return
	}

	p.stopped = true
	p.cond.Broadcast()
	done := p.done
	p.mu.Unlock()

	<-done
}

// GetSystemLog schedules a system-wide log request.
func (p *LogProvider) GetSystemLog(ctx context.Context, logID string, from, till *time.Time) error {
	p.enqueue(logRequest{logID: logID, from: from, till: till})

	return nil
}

// GetInstanceLog schedules a log request scoped to the instances matching
// filter.
func (p *LogProvider) GetInstanceLog(ctx context.Context, logID string, filter core.Identifier, from, till *time.Time) error {
	instanceIDs, err := p.resolver.GetInstanceIDs(ctx, filter)
	if err != nil {
		return p.observer.OnLogReceived(ctx, PushLog{LogID: logID, Status: LogStatusError, ErrorMsg: err.Error()})
	}

	if len(instanceIDs) == 0 {
		return sendEmptyResponse(ctx, logID, "no service instance found", p.observer)
	}

	p.enqueue(logRequest{logID: logID, instanceIDs: instanceIDs, from: from, till: till})

	return nil
}

// GetInstanceCrashLog schedules a crash-log request scoped to the instances
// matching filter.
func (p *LogProvider) GetInstanceCrashLog(ctx context.Context, logID string, filter core.Identifier, from, till *time.Time) error {
	instanceIDs, err := p.resolver.GetInstanceIDs(ctx, filter)
	if err != nil {
		return p.observer.OnLogReceived(ctx, PushLog{LogID: logID, Status: LogStatusError, ErrorMsg: err.Error()})
	}

	if len(instanceIDs) == 0 {
		return sendEmptyResponse(ctx, logID, "no service instance found", p.observer)
	}

	p.enqueue(logRequest{logID: logID, instanceIDs: instanceIDs, from: from, till: till, crashLog: true})

	return nil
}

func (p *LogProvider) enqueue(req logRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) >= maxQueuedLogRequests && !p.stopped {
		p.cond.Wait()
	}

	p.queue = append(p.queue, req)
	p.cond.Signal()
}

func (p *LogProvider) processLogs() {
	defer close(p.done)

	ctx := context.Background()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}

		if p.stopped {
			p.running = false
			p.mu.Unlock()

			return
		}

		req := p.queue[0]
		p.queue = p.queue[1:]
		p.cond.Broadcast() // wake any enqueue() blocked on a full queue
		p.mu.Unlock()

		if req.crashLog {
			p.serveCrashLog(ctx, req)
		} else {
			p.serveLog(ctx, req)
		}
	}
}

func (p *LogProvider) serveLog(ctx context.Context, req logRequest) {
	journal, err := p.newHandle()
	if err != nil {
		p.logger.Error("failed to open journal for log request", "log_id", req.logID, "error", err)

		return
	}
	defer journal.Close()

	needUnit := true

	if len(req.instanceIDs) > 0 {
		needUnit = false
		addServiceCgroupFilter(journal, req.instanceIDs)
	}

	seekToTime(journal, req.from)

	arch := newArchivator(p.cfg)

	for {
		more, err := journal.Next()
		if err != nil || !more {
			break
		}

		entry, err := journal.GetEntry()
		if err != nil {
			continue
		}

		if req.till != nil && entry.RealTime.After(*req.till) {
			break
		}

		if err := arch.addLog(formatLogEntry(entry, needUnit)); err != nil {
			p.logger.Error("failed to archive log entry", "log_id", req.logID, "error", err)

			return
		}
	}

	if err := arch.sendLog(ctx, req.logID, p.observer); err != nil {
		p.logger.Error("failed to send log", "log_id", req.logID, "error", err)
	}
}

func (p *LogProvider) serveCrashLog(ctx context.Context, req logRequest) {
	journal, err := p.newHandle()
	if err != nil {
		p.logger.Error("failed to open journal for crash log request", "log_id", req.logID, "error", err)

		return
	}
	defer journal.Close()

	addUnitFilter(journal, req.instanceIDs)

	if req.till != nil {
		_ = journal.SeekRealtime(*req.till)
	} else {
		_ = journal.SeekTail()
	}

	crashTime, found := getCrashTime(journal, req.from)
	if !found {
		if err := sendEmptyResponse(ctx, req.logID, "no instance crash found", p.observer); err != nil {
			p.logger.Error("failed to send empty crash log response", "log_id", req.logID, "error", err)
		}

		return
	}

	_ = journal.AddDisjunction()
	addServiceCgroupFilter(journal, req.instanceIDs)

	arch := newArchivator(p.cfg)

	for {
		more, err := journal.Next()
		if err != nil || !more {
			break
		}

		entry, err := journal.GetEntry()
		if err != nil {
			continue
		}

		if entry.MonotonicTime > crashTime {
			break
		}

		unitInLog := getUnitNameFromLog(entry)

		for _, instanceID := range req.instanceIDs {
			if strings.Contains(unitInLog, makeUnitNameFromInstanceID(instanceID)) {
				if err := arch.addLog(formatLogEntry(entry, false)); err != nil {
					p.logger.Error("failed to archive crash log entry", "log_id", req.logID, "error", err)

					return
				}

				break
			}
		}
	}

	if err := arch.sendLog(ctx, req.logID, p.observer); err != nil {
		p.logger.Error("failed to send crash log", "log_id", req.logID, "error", err)
	}
}

// getCrashTime walks the journal backwards from its current position
// looking for the most recent "process exited" message, then keeps walking
// back until a "Started" message confirms the beginning of that service
// run. Returns the crash entry's monotonic time.
func getCrashTime(journal Handle, from *time.Time) (time.Duration, bool) {
	var (
		crashTime time.Duration
		found     bool
	)

	for {
		more, err := journal.Previous()
		if err != nil || !more {
			break
		}

		entry, err := journal.GetEntry()
		if err != nil {
			continue
		}

		if from != nil && !entry.RealTime.After(*from) {
			break
		}

		if !found {
			if strings.Contains(entry.Message, "process exited") {
				crashTime = entry.MonotonicTime
				found = true
			}

			continue
		}

		if strings.HasPrefix(entry.Message, "Started") {
			break
		}
	}

	return crashTime, found
}

func addServiceCgroupFilter(journal Handle, instanceIDs []string) {
	for _, instanceID := range instanceIDs {
		// cgroup v1: /system.slice/system-aos\x2dservice.slice/aos-service@<id>.service
		_ = journal.AddMatch("_SYSTEMD_CGROUP",
			`/system.slice/system-aos\x2dservice.slice/aos-service@`+instanceID+".service")
		// cgroup v2: /system.slice/system-aos\x2dservice.slice/<id>
		_ = journal.AddMatch("_SYSTEMD_CGROUP",
			`/system.slice/system-aos\x2dservice.slice/`+instanceID)
	}
}

func addUnitFilter(journal Handle, instanceIDs []string) {
	for _, instanceID := range instanceIDs {
		_ = journal.AddMatch("UNIT", makeUnitNameFromInstanceID(instanceID))
	}
}

func seekToTime(journal Handle, from *time.Time) {
	if from != nil {
		_ = journal.SeekRealtime(*from)

		return
	}

	_ = journal.SeekHead()
}

// asn1TimeFormat renders an ASN.1 GeneralizedTime string (UTC, no
// fractional seconds), matching the original's ConvertTimeToASN1Str.
const asn1TimeFormat = "20060102150405Z"

func formatLogEntry(entry Entry, addUnit bool) string {
	timeStr := entry.RealTime.UTC().Format(asn1TimeFormat)

	if addUnit {
		return timeStr + " " + entry.SystemdUnit + " " + entry.Message + "\n"
	}

	return timeStr + " " + entry.Message + " \n"
}

// getUnitNameFromLog recovers the unit name an entry belongs to from the
// basename of its _SYSTEMD_CGROUP path (the entry's _SYSTEMD_UNIT is not
// consulted); a basename without the aos-service@ prefix is turned into
// aos-service@<basename>.service.
func getUnitNameFromLog(entry Entry) string {
	unitName := filepath.Base(entry.SystemdCGroup)

	if !strings.Contains(unitName, aosServicePrefix) {
		return aosServicePrefix + unitName + ".service"
	}

	return unitName
}

func makeUnitNameFromInstanceID(instanceID string) string {
	return aosServicePrefix + instanceID + ".service"
}
