package journal

import (
	"bytes"
	"compress/gzip"
	"context"

	"github.com/aosedge/aos_servicemanager/internal/config"
)

// archivator accumulates formatted log lines as a sequence of gzip-compressed
// parts, splitting into a new part once the current one exceeds
// maxPartSize, up to maxPartCount parts.
type archivator struct {
	maxPartSize  uint64
	maxPartCount uint64

	parts      [][]byte
	buf        *bytes.Buffer
	gz         *gzip.Writer
	wroteAny   bool
	partDirty  bool
}

func newArchivator(cfg config.LoggingConfig) *archivator {
	a := &archivator{maxPartSize: cfg.MaxPartSize, maxPartCount: cfg.MaxPartCount}
	if a.maxPartCount == 0 {
		a.maxPartCount = 1
	}

	a.openPart()

	return a
}

func (a *archivator) openPart() {
	a.buf = &bytes.Buffer{}
	a.gz = gzip.NewWriter(a.buf)
	a.partDirty = false
}

// addLog writes one already-formatted log line into the current part,
// rolling over to a new part once the size limit is exceeded and capacity
// for another part remains.
func (a *archivator) addLog(line string) error {
	if _, err := a.gz.Write([]byte(line)); err != nil {
		return err
	}

	a.wroteAny = true
	a.partDirty = true

	if err := a.gz.Flush(); err != nil {
		return err
	}

	if a.maxPartSize == 0 || uint64(a.buf.Len()) <= a.maxPartSize {
		return nil
	}

	if uint64(len(a.parts))+1 >= a.maxPartCount {
		// At capacity: keep appending to the last part rather than
		// dropping log lines.
		return nil
	}

	return a.closePart()
}

func (a *archivator) closePart() error {
	if err := a.gz.Close(); err != nil {
		return err
	}

	a.parts = append(a.parts, a.buf.Bytes())
	a.openPart()

	return nil
}

// sendLog finalizes the current part and emits one OK PushLog per part to
// observer. If no line was ever added it emits a single Empty message
// instead; if closing a part or delivering one fails it emits a single
// Error message and returns the failure.
func (a *archivator) sendLog(ctx context.Context, logID string, observer LogObserver) error {
	if !a.wroteAny {
		return observer.OnLogReceived(ctx, PushLog{
			LogID: logID, Part: 1, PartsCount: 1, Status: LogStatusEmpty,
		})
	}

	if a.partDirty {
		if err := a.closePart(); err != nil {
			return a.sendError(ctx, logID, observer, err)
		}
	}

	partsCount := uint64(len(a.parts))

	for i, part := range a.parts {
		push := PushLog{
			LogID:      logID,
			Part:       uint64(i) + 1,
			PartsCount: partsCount,
			Status:     LogStatusOK,
			Content:    part,
		}

		if err := observer.OnLogReceived(ctx, push); err != nil {
			return a.sendError(ctx, logID, observer, err)
		}
	}

	return nil
}

func (a *archivator) sendError(ctx context.Context, logID string, observer LogObserver, cause error) error {
	_ = observer.OnLogReceived(ctx, PushLog{
		LogID: logID, Part: 0, PartsCount: 0, Status: LogStatusError, ErrorMsg: cause.Error(),
	})

	return cause
}

// sendEmptyResponse emits a single Absent-status message without ever having
// created an archivator, used when a log request matches no instance or no
// crash.
func sendEmptyResponse(ctx context.Context, logID, reason string, observer LogObserver) error {
	return observer.OnLogReceived(ctx, PushLog{
		LogID: logID, Part: 1, PartsCount: 1, Status: LogStatusAbsent, ErrorMsg: reason,
	})
}
