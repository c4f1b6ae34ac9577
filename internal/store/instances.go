package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func (s *Store) AddInstance(ctx context.Context, inst *core.Instance) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	network, err := json.Marshal(inst.Network)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_network", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, service_id, subject_id, instance_index, uid, priority, storage_path, state_path, network)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.Ident.ServiceID, inst.Ident.SubjectID, inst.Ident.InstanceIndex,
		inst.UID, inst.Priority, inst.StoragePath, inst.StatePath, string(network))
	if isUniqueViolation(err) {
		return &core.ErrAlreadyExists{Resource: "instance", Key: inst.InstanceID}
	}
	if err != nil {
		return &core.ErrStorage{Operation: "add_instance", Cause: err}
	}
	return nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *core.Instance) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	network, err := json.Marshal(inst.Network)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_network", Cause: err}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET service_id=?, subject_id=?, instance_index=?, uid=?, priority=?, storage_path=?, state_path=?, network=?
		WHERE instance_id=?`,
		inst.Ident.ServiceID, inst.Ident.SubjectID, inst.Ident.InstanceIndex,
		inst.UID, inst.Priority, inst.StoragePath, inst.StatePath, string(network), inst.InstanceID)
	if err != nil {
		return &core.ErrStorage{Operation: "update_instance", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "instance", Key: inst.InstanceID}
	}
	return nil
}

func (s *Store) RemoveInstance(ctx context.Context, instanceID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE instance_id=?`, instanceID)
	if err != nil {
		return &core.ErrStorage{Operation: "remove_instance", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "instance", Key: instanceID}
	}
	return nil
}

func (s *Store) GetAllInstances(ctx context.Context) ([]core.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM instances`).Scan(&count); err != nil {
		return nil, &core.ErrStorage{Operation: "count_instances", Cause: err}
	}
	if count > MaxNumInstances {
		return nil, &core.ErrNoMemory{Resource: "instances", Capacity: MaxNumInstances}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, service_id, subject_id, instance_index, uid, priority, storage_path, state_path, network
		FROM instances`)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_all_instances", Cause: err}
	}
	defer rows.Close()

	var result []core.Instance
	for rows.Next() {
		var inst core.Instance
		var network string
		if err := rows.Scan(&inst.InstanceID, &inst.Ident.ServiceID, &inst.Ident.SubjectID,
			&inst.Ident.InstanceIndex, &inst.UID, &inst.Priority, &inst.StoragePath, &inst.StatePath, &network); err != nil {
			return nil, &core.ErrStorage{Operation: "scan_instance", Cause: err}
		}
		if err := json.Unmarshal([]byte(network), &inst.Network); err != nil {
			return nil, &core.ErrFailed{Source: "unmarshal_network", Cause: err}
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.ErrStorage{Operation: "iterate_instances", Cause: err}
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	if err == nil || err == sql.ErrNoRows {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY constraint")
}
