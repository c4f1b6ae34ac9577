package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func (s *Store) GetOperationVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT operation_version FROM config WHERE id=1`).Scan(&version); err != nil {
		return 0, &core.ErrStorage{Operation: "get_operation_version", Cause: err}
	}
	return version, nil
}

func (s *Store) SetOperationVersion(ctx context.Context, version int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE config SET operation_version=? WHERE id=1`, version); err != nil {
		return &core.ErrStorage{Operation: "set_operation_version", Cause: err}
	}
	return nil
}

func (s *Store) GetOnlineTime(ctx context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ns int64
	if err := s.db.QueryRowContext(ctx, `SELECT online_time_ns FROM config WHERE id=1`).Scan(&ns); err != nil {
		return 0, &core.ErrStorage{Operation: "get_online_time", Cause: err}
	}
	return time.Duration(ns), nil
}

func (s *Store) SetOnlineTime(ctx context.Context, d time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE config SET online_time_ns=? WHERE id=1`, int64(d)); err != nil {
		return &core.ErrStorage{Operation: "set_online_time", Cause: err}
	}
	return nil
}

func (s *Store) GetJournalCursor(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursor string
	if err := s.db.QueryRowContext(ctx, `SELECT journal_cursor FROM config WHERE id=1`).Scan(&cursor); err != nil {
		return "", &core.ErrStorage{Operation: "get_journal_cursor", Cause: err}
	}
	return cursor, nil
}

func (s *Store) SetJournalCursor(ctx context.Context, cursor string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE config SET journal_cursor=? WHERE id=1`, cursor); err != nil {
		return &core.ErrStorage{Operation: "set_journal_cursor", Cause: err}
	}
	return nil
}

// GetOverrideEnvVars round-trips the JSON array stored in config.envvars.
// The on-disk shape is case-insensitive on read, matching §4.1.
func (s *Store) GetOverrideEnvVars(ctx context.Context) ([]core.EnvVarsInstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	if err := s.db.QueryRowContext(ctx, `SELECT env_var_overrides FROM config WHERE id=1`).Scan(&data); err != nil {
		return nil, &core.ErrStorage{Operation: "get_override_env_vars", Cause: err}
	}

	var overrides []core.EnvVarsInstanceInfo
	if err := json.Unmarshal([]byte(data), &overrides); err != nil {
		return nil, &core.ErrFailed{Source: "unmarshal_env_var_overrides", Cause: err}
	}
	return overrides, nil
}

func (s *Store) SetOverrideEnvVars(ctx context.Context, overrides []core.EnvVarsInstanceInfo) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(overrides)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_env_var_overrides", Cause: err}
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE config SET env_var_overrides=? WHERE id=1`, string(data)); err != nil {
		return &core.ErrStorage{Operation: "set_override_env_vars", Cause: err}
	}
	return nil
}
