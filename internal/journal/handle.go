package journal

import (
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// sdHandle adapts github.com/coreos/go-systemd/v22/sdjournal.Journal to
// Handle.
type sdHandle struct {
	journal *sdjournal.Journal
}

// OpenSystemJournal opens the local systemd-journald with no filters
// applied; callers add matches before the first Next/Previous call.
func OpenSystemJournal() (Handle, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, &core.ErrRuntime{Component: "journal", Cause: err}
	}

	return &sdHandle{journal: j}, nil
}

func (h *sdHandle) SeekHead() error { return h.journal.SeekHead() }
func (h *sdHandle) SeekTail() error { return h.journal.SeekTail() }

func (h *sdHandle) SeekRealtime(t time.Time) error {
	return h.journal.SeekRealtime(t)
}

func (h *sdHandle) SeekCursor(cursor string) error {
	return h.journal.SeekCursor(cursor)
}

func (h *sdHandle) AddMatch(field, value string) error {
	return h.journal.AddMatch(field + "=" + value)
}

func (h *sdHandle) AddDisjunction() error { return h.journal.AddDisjunction() }

func (h *sdHandle) Next() (bool, error) {
	n, err := h.journal.Next()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (h *sdHandle) Previous() (bool, error) {
	n, err := h.journal.Previous()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (h *sdHandle) GetCursor() (string, error) { return h.journal.GetCursor() }
func (h *sdHandle) Close() error               { return h.journal.Close() }

func (h *sdHandle) GetEntry() (Entry, error) {
	raw, err := h.journal.GetEntry()
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		RealTime:      time.UnixMicro(int64(raw.RealtimeTimestamp)),
		MonotonicTime: time.Duration(raw.MonotonicTimestamp) * time.Microsecond,
		Message:       raw.Fields["MESSAGE"],
		SystemdUnit:   raw.Fields["_SYSTEMD_UNIT"],
		SystemdCGroup: raw.Fields["_SYSTEMD_CGROUP"],
	}

	if priority, err := strconv.Atoi(raw.Fields["PRIORITY"]); err == nil {
		entry.Priority = priority
	}

	if unit, ok := raw.Fields["UNIT"]; ok {
		entry.Unit = unit
	}

	return entry, nil
}
