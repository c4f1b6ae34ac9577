package store

import (
	"context"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

func (s *Store) AddService(ctx context.Context, svc *core.Service) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (service_id, version, provider_id, image_path, manifest_digest, state, timestamp, size_bytes, gid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ServiceID, svc.Version, svc.ProviderID, svc.ImagePath, svc.ManifestDigest,
		string(svc.State), svc.Timestamp.UnixNano(), svc.SizeBytes, svc.GID)
	if isUniqueViolation(err) {
		return &core.ErrAlreadyExists{Resource: "service", Key: svc.ServiceID + "@" + svc.Version}
	}
	if err != nil {
		return &core.ErrStorage{Operation: "add_service", Cause: err}
	}
	return nil
}

func (s *Store) UpdateService(ctx context.Context, svc *core.Service) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET provider_id=?, image_path=?, manifest_digest=?, state=?, timestamp=?, size_bytes=?, gid=?
		WHERE service_id=? AND version=?`,
		svc.ProviderID, svc.ImagePath, svc.ManifestDigest, string(svc.State), svc.Timestamp.UnixNano(),
		svc.SizeBytes, svc.GID, svc.ServiceID, svc.Version)
	if err != nil {
		return &core.ErrStorage{Operation: "update_service", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "service", Key: svc.ServiceID + "@" + svc.Version}
	}
	return nil
}

func (s *Store) RemoveService(ctx context.Context, serviceID, version string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE service_id=? AND version=?`, serviceID, version)
	if err != nil {
		return &core.ErrStorage{Operation: "remove_service", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.ErrNotFound{Resource: "service", Key: serviceID + "@" + version}
	}
	return nil
}

func (s *Store) GetServiceVersions(ctx context.Context, serviceID string) ([]core.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, version, provider_id, image_path, manifest_digest, state, timestamp, size_bytes, gid
		FROM services WHERE service_id=?`, serviceID)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_service_versions", Cause: err}
	}
	defer rows.Close()
	return scanServices(rows)
}

func (s *Store) GetAllServices(ctx context.Context) ([]core.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM services`).Scan(&count); err != nil {
		return nil, &core.ErrStorage{Operation: "count_services", Cause: err}
	}
	if count > MaxNumServices {
		return nil, &core.ErrNoMemory{Resource: "services", Capacity: MaxNumServices}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, version, provider_id, image_path, manifest_digest, state, timestamp, size_bytes, gid
		FROM services`)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "get_all_services", Cause: err}
	}
	defer rows.Close()
	return scanServices(rows)
}

func scanServices(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]core.Service, error) {
	var result []core.Service
	for rows.Next() {
		var svc core.Service
		var state string
		var timestampNs int64
		if err := rows.Scan(&svc.ServiceID, &svc.Version, &svc.ProviderID, &svc.ImagePath,
			&svc.ManifestDigest, &state, &timestampNs, &svc.SizeBytes, &svc.GID); err != nil {
			return nil, &core.ErrStorage{Operation: "scan_service", Cause: err}
		}
		svc.State = core.ServiceState(state)
		svc.Timestamp = time.Unix(0, timestampNs).UTC()
		result = append(result, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.ErrStorage{Operation: "iterate_services", Cause: err}
	}
	return result, nil
}
