package journal

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/config"
)

const (
	// journalWakeInterval is how often the monitor loop polls for new
	// entries (cWaitJournalTimeout in the original).
	journalWakeInterval = time.Second
	// cursorSavePeriod is how often the current cursor is persisted, if it
	// changed since the last save (cCursorSavePeriod in the original).
	cursorSavePeriod = 10 * time.Second
)

// Monitor is the alert reader: it owns one journal handle, classifies every
// new entry into an Alert and persists its cursor periodically so a restart
// resumes roughly where it left off.
type Monitor struct {
	cfg              config.JournalAlertsConfig
	instanceProvider InstanceInfoProvider
	store            CursorStore
	sender           AlertSender
	logger           *slog.Logger
	newHandle        HandleFactory
	filter           *regexFilter

	mu         sync.Mutex
	journal    Handle
	lastCursor string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor. newHandle is a factory rather than a ready
// handle so Start can reopen a fresh one if it is ever restarted.
func NewMonitor(
	cfg config.JournalAlertsConfig,
	instanceProvider InstanceInfoProvider,
	store CursorStore,
	sender AlertSender,
	logger *slog.Logger,
	newHandle HandleFactory,
) *Monitor {
	return &Monitor{
		cfg:              cfg,
		instanceProvider: instanceProvider,
		store:            store,
		sender:           sender,
		logger:           logger,
		newHandle:        newHandle,
		filter:           newRegexFilter(cfg.Filter),
	}
}

// Start opens the journal, seeks to the stored cursor (or the tail if none
// exists) and begins the monitoring loop.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.setupJournal(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	return nil
}

// Stop halts the monitoring loop, persists the final cursor and closes the
// journal handle.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}

	m.cancel()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.storeCursorIfChangedLocked(ctx); err != nil {
		m.logger.Error("failed to persist final journal cursor", "error", err)
	}

	if m.journal != nil {
		err := m.journal.Close()
		m.journal = nil

		return err
	}

	return nil
}

func (m *Monitor) setupJournal(ctx context.Context) error {
	j, err := m.newHandle()
	if err != nil {
		return err
	}

	for priority := 0; priority <= m.cfg.SystemAlertPriority; priority++ {
		if err := j.AddMatch("PRIORITY", strconv.Itoa(priority)); err != nil {
			return err
		}
	}

	if err := j.AddDisjunction(); err != nil {
		return err
	}

	if err := j.AddMatch("_SYSTEMD_UNIT", "init.scope"); err != nil {
		return err
	}

	if err := j.SeekTail(); err != nil {
		return err
	}

	if _, err := j.Previous(); err != nil {
		return err
	}

	cursor, err := m.store.GetJournalCursor(ctx)
	if err != nil {
		return err
	}

	if cursor != "" {
		if err := j.SeekCursor(cursor); err != nil {
			return err
		}

		if _, err := j.Next(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.journal = j
	m.lastCursor = cursor
	m.mu.Unlock()

	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	wake := time.NewTicker(journalWakeInterval)
	defer wake.Stop()

	save := time.NewTicker(cursorSavePeriod)
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake.C:
			m.processJournal(ctx)
		case <-save.C:
			m.mu.Lock()
			if err := m.storeCursorIfChangedLocked(ctx); err != nil {
				m.logger.Error("failed to persist journal cursor", "error", err)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) processJournal(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		more, err := m.journal.Next()
		if err != nil {
			m.logger.Error("journal read failed", "error", err)

			return
		}

		if !more {
			return
		}

		entry, err := m.journal.GetEntry()
		if err != nil {
			m.logger.Error("journal entry read failed", "error", err)

			continue
		}

		unit, skip := classifyUnit(entry, m.cfg.ServiceAlertPriority)
		if skip {
			continue
		}

		alert, err := m.classify(ctx, entry, unit)
		if err != nil {
			m.logger.Warn("alert classification failed", "unit", unit, "error", err)

			continue
		}

		if alert == nil {
			continue
		}

		if err := m.sender.SendAlert(ctx, *alert); err != nil {
			m.logger.Error("failed to send alert", "kind", alert.Kind, "error", err)
		}
	}
}

func (m *Monitor) storeCursorIfChangedLocked(ctx context.Context) error {
	cursor, err := m.journal.GetCursor()
	if err != nil {
		return err
	}

	if cursor == m.lastCursor {
		return nil
	}

	if err := m.store.SetJournalCursor(ctx, cursor); err != nil {
		return err
	}

	m.lastCursor = cursor

	return nil
}
