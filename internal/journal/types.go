// Package journal implements the journal-based log and alert pipeline:
// reading systemd-journald entries, classifying them into alerts, and
// serving ad hoc log requests as gzip-archived parts.
package journal

import (
	"context"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// Entry is one journal record, trimmed to the fields the pipeline uses.
type Entry struct {
	RealTime      time.Time
	MonotonicTime time.Duration
	Message       string
	SystemdUnit   string
	SystemdCGroup string
	Priority      int
	Unit          string // set only on entries produced by init.scope
}

// Handle is the journal cursor contract: seeking, filtering and walking
// entries forward or backward. A real handle wraps systemd-journald; tests
// use an in-memory fake.
type Handle interface {
	SeekHead() error
	SeekTail() error
	SeekRealtime(t time.Time) error
	SeekCursor(cursor string) error
	AddMatch(field, value string) error
	AddDisjunction() error
	Next() (bool, error)
	Previous() (bool, error)
	GetEntry() (Entry, error)
	GetCursor() (string, error)
	Close() error
}

// HandleFactory opens a fresh journal handle with no filters applied.
type HandleFactory func() (Handle, error)

// CoreComponent names one of SM's sibling Aos core services. The set is
// closed: these are the only units JLAP recognizes as core components
// rather than service instances or generic system units.
type CoreComponent string

const (
	CoreComponentServiceManager        CoreComponent = "servicemanager"
	CoreComponentUpdateManager         CoreComponent = "updatemanager"
	CoreComponentCommunicationManager  CoreComponent = "communicationmanager"
	CoreComponentIAManager             CoreComponent = "iamanager"
)

// coreComponentUnits maps each known core component to the substring its
// systemd unit name contains, checked in this order.
var coreComponentUnits = []struct {
	component CoreComponent
	unitName  string
}{
	{CoreComponentServiceManager, "aos-servicemanager"},
	{CoreComponentUpdateManager, "aos-updatemanager"},
	{CoreComponentCommunicationManager, "aos-communicationmanager"},
	{CoreComponentIAManager, "aos-iamanager"},
}

// AlertKind discriminates Alert's three shapes.
type AlertKind string

const (
	AlertKindServiceInstance AlertKind = "service_instance"
	AlertKindCore            AlertKind = "core"
	AlertKindSystem          AlertKind = "system"
)

// Alert is the classified output of one journal entry. Exactly the fields
// relevant to Kind are populated.
type Alert struct {
	Kind           AlertKind
	Timestamp      time.Time
	Message        string
	InstanceIdent  core.Identifier
	ServiceVersion string
	CoreComponent  CoreComponent
}

// maxAlertMessageLen bounds the message field, mirroring the cloud protocol's
// fixed-capacity string fields.
const maxAlertMessageLen = 1024

func truncateMessage(msg string) string {
	if len(msg) <= maxAlertMessageLen {
		return msg
	}

	return msg[:maxAlertMessageLen]
}

// InstanceInfo is what the alert reader needs to know about a running
// instance to build a ServiceInstanceAlert.
type InstanceInfo struct {
	Ident          core.Identifier
	ServiceVersion string
}

// InstanceInfoProvider resolves an instance ID (as embedded in a systemd
// unit name) to its identifier and service version.
type InstanceInfoProvider interface {
	GetInstanceInfo(ctx context.Context, instanceID string) (InstanceInfo, error)
}

// InstanceIDResolver resolves a (possibly partial) instance filter to the
// concrete instance IDs it matches, for log requests.
type InstanceIDResolver interface {
	GetInstanceIDs(ctx context.Context, filter core.Identifier) ([]string, error)
}

// CursorStore persists the alert reader's journal cursor across restarts.
type CursorStore interface {
	GetJournalCursor(ctx context.Context) (string, error)
	SetJournalCursor(ctx context.Context, cursor string) error
}

// AlertSender delivers a classified alert upstream.
type AlertSender interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// LogStatus is the outcome reported in a PushLog message.
type LogStatus string

const (
	LogStatusOK     LogStatus = "ok"
	LogStatusEmpty  LogStatus = "empty"
	LogStatusError  LogStatus = "error"
	LogStatusAbsent LogStatus = "absent"
)

// PushLog is one part of a (possibly multi-part) log response.
type PushLog struct {
	LogID      string
	Part       uint64
	PartsCount uint64
	Status     LogStatus
	ErrorMsg   string
	Content    []byte
}

// LogObserver receives PushLog parts as they are produced.
type LogObserver interface {
	OnLogReceived(ctx context.Context, log PushLog) error
}

// logRequest is one queued request to ProcessLogs' single worker.
type logRequest struct {
	logID       string
	instanceIDs []string
	from        *time.Time
	till        *time.Time
	crashLog    bool
}
