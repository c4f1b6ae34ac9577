package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// SetTrafficData persists (last_update, value) for chain, upserting if the
// chain has no row yet.
func (s *Store) SetTrafficData(ctx context.Context, chain string, at time.Time, value uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trafficmonitor (chain, last_update, accumulated_bytes) VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET last_update = excluded.last_update, accumulated_bytes = excluded.accumulated_bytes`,
		chain, at.UnixNano(), value)
	if err != nil {
		return &core.ErrStorage{Operation: "set_traffic_data", Cause: err}
	}
	return nil
}

// GetTrafficData returns the last persisted (time, value) pair for chain.
// Callers (TM chain creation) are expected to tolerate NotFound.
func (s *Store) GetTrafficData(ctx context.Context, chain string) (time.Time, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastUpdateNs int64
	var value uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_update, accumulated_bytes FROM trafficmonitor WHERE chain=?`, chain).
		Scan(&lastUpdateNs, &value)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, &core.ErrNotFound{Resource: "traffic_counter", Key: chain}
	}
	if err != nil {
		return time.Time{}, 0, &core.ErrStorage{Operation: "get_traffic_data", Cause: err}
	}
	return time.Unix(0, lastUpdateNs).UTC(), value, nil
}

func (s *Store) RemoveTrafficData(ctx context.Context, chain string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM trafficmonitor WHERE chain=?`, chain)
	if err != nil {
		return &core.ErrStorage{Operation: "remove_traffic_data", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "traffic_counter", Key: chain}
	}
	return nil
}
