package orchestrator

import (
	"context"
	"time"
)

// FlushOnlineTime adds the duration elapsed since New (or the previous
// flush) to the persisted online-time counter. Callers invoke it
// periodically and once more on graceful shutdown, matching the
// original's online-time bookkeeping (database.cpp's Get/SetOnlineTime)
// accumulating wall-clock uptime rather than process uptime alone.
func (o *Orchestrator) FlushOnlineTime(ctx context.Context) error {
	o.mu.Lock()
	elapsed := time.Since(o.startedAt)
	o.startedAt = time.Now()
	o.mu.Unlock()

	previous, err := o.online.GetOnlineTime(ctx)
	if err != nil {
		return err
	}

	return o.online.SetOnlineTime(ctx, previous+elapsed)
}
