package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/config"
)

type recordingObserver struct {
	logs []PushLog
}

func (o *recordingObserver) OnLogReceived(ctx context.Context, log PushLog) error {
	o.logs = append(o.logs, log)

	return nil
}

func decompress(t *testing.T, b []byte) string {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)

	out, err := io.ReadAll(gz)
	require.NoError(t, err)

	return string(out)
}

func TestArchivatorEmptySendsEmptyStatus(t *testing.T) {
	arch := newArchivator(config.LoggingConfig{})
	observer := &recordingObserver{}

	require.NoError(t, arch.sendLog(context.Background(), "log-1", observer))
	require.Len(t, observer.logs, 1)
	require.Equal(t, LogStatusEmpty, observer.logs[0].Status)
}

func TestArchivatorSingleUnsplitPart(t *testing.T) {
	arch := newArchivator(config.LoggingConfig{})
	require.NoError(t, arch.addLog("line one\n"))
	require.NoError(t, arch.addLog("line two\n"))

	observer := &recordingObserver{}
	require.NoError(t, arch.sendLog(context.Background(), "log-2", observer))

	require.Len(t, observer.logs, 1)
	require.Equal(t, LogStatusOK, observer.logs[0].Status)
	require.Equal(t, uint64(1), observer.logs[0].PartsCount)
	require.Equal(t, "line one\nline two\n", decompress(t, observer.logs[0].Content))
}

func TestArchivatorSplitsAcrossMaxPartSize(t *testing.T) {
	arch := newArchivator(config.LoggingConfig{MaxPartSize: 1, MaxPartCount: 10})

	for i := 0; i < 5; i++ {
		require.NoError(t, arch.addLog("some reasonably long log line to force a flush\n"))
	}

	observer := &recordingObserver{}
	require.NoError(t, arch.sendLog(context.Background(), "log-3", observer))

	require.Greater(t, len(observer.logs), 1)

	for i, log := range observer.logs {
		require.Equal(t, uint64(i)+1, log.Part)
		require.Equal(t, uint64(len(observer.logs)), log.PartsCount)
		require.Equal(t, LogStatusOK, log.Status)
	}
}

func TestArchivatorStopsSplittingAtMaxPartCount(t *testing.T) {
	arch := newArchivator(config.LoggingConfig{MaxPartSize: 1, MaxPartCount: 2})

	for i := 0; i < 10; i++ {
		require.NoError(t, arch.addLog("padding padding padding padding padding\n"))
	}

	observer := &recordingObserver{}
	require.NoError(t, arch.sendLog(context.Background(), "log-4", observer))

	require.LessOrEqual(t, len(observer.logs), 2)
}
