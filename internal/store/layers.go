package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func (s *Store) AddLayer(ctx context.Context, layer *core.Layer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layers (digest, layer_id, path, os_version, version, timestamp, state, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		layer.Digest, layer.LayerID, layer.Path, layer.OSVersion, layer.Version,
		layer.Timestamp.UnixNano(), string(layer.State), layer.SizeBytes)
	if isUniqueViolation(err) {
		return &core.ErrAlreadyExists{Resource: "layer", Key: layer.Digest}
	}
	if err != nil {
		return &core.ErrStorage{Operation: "add_layer", Cause: err}
	}
	return nil
}

func (s *Store) UpdateLayer(ctx context.Context, layer *core.Layer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE layers SET layer_id=?, path=?, os_version=?, version=?, timestamp=?, state=?, size_bytes=?
		WHERE digest=?`,
		layer.LayerID, layer.Path, layer.OSVersion, layer.Version,
		layer.Timestamp.UnixNano(), string(layer.State), layer.SizeBytes, layer.Digest)
	if err != nil {
		return &core.ErrStorage{Operation: "update_layer", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "layer", Key: layer.Digest}
	}
	return nil
}

func (s *Store) RemoveLayer(ctx context.Context, digest string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM layers WHERE digest=?`, digest)
	if err != nil {
		return &core.ErrStorage{Operation: "remove_layer", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "layer", Key: digest}
	}
	return nil
}

func (s *Store) GetLayer(ctx context.Context, digest string) (*core.Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var layer core.Layer
	var state string
	var timestampNs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT digest, layer_id, path, os_version, version, timestamp, state, size_bytes
		FROM layers WHERE digest=?`, digest).Scan(
		&layer.Digest, &layer.LayerID, &layer.Path, &layer.OSVersion, &layer.Version,
		&timestampNs, &state, &layer.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, &core.ErrNotFound{Resource: "layer", Key: digest}
	}
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_layer", Cause: err}
	}
	layer.State = core.ServiceState(state)
	layer.Timestamp = time.Unix(0, timestampNs).UTC()
	return &layer, nil
}

func (s *Store) GetAllLayers(ctx context.Context) ([]core.Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM layers`).Scan(&count); err != nil {
		return nil, &core.ErrStorage{Operation: "count_layers", Cause: err}
	}
	if count > MaxNumLayers {
		return nil, &core.ErrNoMemory{Resource: "layers", Capacity: MaxNumLayers}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, layer_id, path, os_version, version, timestamp, state, size_bytes FROM layers`)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_all_layers", Cause: err}
	}
	defer rows.Close()

	var result []core.Layer
	for rows.Next() {
		var layer core.Layer
		var state string
		var timestampNs int64
		if err := rows.Scan(&layer.Digest, &layer.LayerID, &layer.Path, &layer.OSVersion, &layer.Version,
			&timestampNs, &state, &layer.SizeBytes); err != nil {
			return nil, &core.ErrStorage{Operation: "scan_layer", Cause: err}
		}
		layer.State = core.ServiceState(state)
		layer.Timestamp = time.Unix(0, timestampNs).UTC()
		result = append(result, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.ErrStorage{Operation: "iterate_layers", Cause: err}
	}
	return result, nil
}
