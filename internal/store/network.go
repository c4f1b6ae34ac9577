package store

import (
	"context"
	"encoding/json"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func (s *Store) AddNetworkInfo(ctx context.Context, info *core.NetworkParameters) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(info)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_network_info", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO network (network_id, data) VALUES (?, ?)
		ON CONFLICT(network_id) DO UPDATE SET data = excluded.data`,
		info.NetworkID, string(data))
	if err != nil {
		return &core.ErrStorage{Operation: "add_network_info", Cause: err}
	}
	return nil
}

func (s *Store) RemoveNetworkInfo(ctx context.Context, networkID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM network WHERE network_id=?`, networkID)
	if err != nil {
		return &core.ErrStorage{Operation: "remove_network_info", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "network", Key: networkID}
	}
	return nil
}

func (s *Store) GetNetworksInfo(ctx context.Context) ([]core.NetworkParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM network`).Scan(&count); err != nil {
		return nil, &core.ErrStorage{Operation: "count_networks", Cause: err}
	}
	if count > MaxNumNetworks {
		return nil, &core.ErrNoMemory{Resource: "networks", Capacity: MaxNumNetworks}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM network`)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_networks_info", Cause: err}
	}
	defer rows.Close()

	var result []core.NetworkParameters
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &core.ErrStorage{Operation: "scan_network", Cause: err}
		}
		var info core.NetworkParameters
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, &core.ErrFailed{Source: "unmarshal_network_info", Cause: err}
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.ErrStorage{Operation: "iterate_networks", Cause: err}
	}
	return result, nil
}
