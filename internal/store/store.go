// Package store implements the Service Manager's persistent state store: a
// single small, schema-versioned embedded database holding the
// authoritative view of instances, services, layers, networks and traffic
// counters. It must survive crashes and drop-and-rebuild on an
// operation-version mismatch.
//
// Grounded on the teacher's internal/storage/sqlite/sqlite_storage.go
// (secure path validation, WAL mode, connection pool tuning, RWMutex
// around connection lifecycle) generalized from one alerts table to the
// six tables this store owns.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// CurrentOperationVersion is the compiled-in schema version. Any stored
// config.operation_version that differs triggers a full drop-and-recreate.
const CurrentOperationVersion = 1

// Bulk-read capacities. Exceeding these on a get_all_* call is a NoMemory
// error per §5 of the design.
const (
	MaxNumInstances = 4096
	MaxNumServices  = 4096
	MaxNumLayers    = 4096
	MaxNumNetworks  = 1024
)

// Store is the embedded relational store. One handle per process; all
// operations serialize through the engine, each a full transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex
}

// New opens (creating if absent) the SQLite-backed store at path, bootstraps
// its schema, and applies any numbered content migrations found under
// migrationsDir (opaque to this package; see migrations.go). migrationsDir
// may be empty, meaning no content migrations are applied.
func New(ctx context.Context, path, migrationsDir string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, &core.ErrInvalidArgument{Field: "path", Reason: "must not be empty"}
	}
	if strings.Contains(path, "..") {
		return nil, &core.ErrInvalidArgument{Field: "path", Reason: "must not contain '..'"}
	}
	for _, prefix := range []string{"/etc", "/sys", "/proc", "/dev"} {
		if strings.HasPrefix(path, prefix) {
			return nil, &core.ErrInvalidArgument{Field: "path", Reason: fmt.Sprintf("forbidden prefix %s", prefix)}
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &core.ErrStorage{Operation: "mkdir", Cause: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &core.ErrStorage{Operation: "open", Cause: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &core.ErrStorage{Operation: "ping", Cause: err}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, &core.ErrStorage{Operation: "pragma_foreign_keys", Cause: err}
	}

	s := &Store{db: db, logger: logger.With("component", "store"), path: path}

	if err := s.bootstrapSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if migrationsDir != "" {
		if err := s.applyContentMigrations(ctx, migrationsDir); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := os.Chmod(path, 0600); err != nil {
		s.logger.Warn("failed to set database file permissions", "path", path, "error", err)
	}

	s.logger.Info("persistent store initialized", "path", path)
	return s, nil
}

var ddl = []string{
	`CREATE TABLE config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		operation_version INTEGER NOT NULL,
		journal_cursor TEXT NOT NULL DEFAULT '',
		online_time_ns INTEGER NOT NULL DEFAULT 0,
		env_var_overrides TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE network (
		network_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE services (
		service_id TEXT NOT NULL,
		version TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		image_path TEXT NOT NULL,
		manifest_digest BLOB,
		state TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		gid INTEGER NOT NULL,
		PRIMARY KEY (service_id, version)
	)`,
	`CREATE TABLE layers (
		digest TEXT PRIMARY KEY,
		layer_id TEXT NOT NULL,
		path TEXT NOT NULL,
		os_version TEXT NOT NULL,
		version TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		state TEXT NOT NULL,
		size_bytes INTEGER NOT NULL
	)`,
	`CREATE TABLE instances (
		instance_id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		instance_index INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		state_path TEXT NOT NULL,
		network TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE trafficmonitor (
		chain TEXT PRIMARY KEY,
		last_update INTEGER NOT NULL,
		accumulated_bytes INTEGER NOT NULL
	)`,
}

var tableNames = []string{"config", "network", "services", "layers", "instances", "trafficmonitor"}

// bootstrapSchema implements the schema bootstrap algorithm from §4.1: if
// config is absent, create every table fresh; else compare the stored
// operation_version against CurrentOperationVersion and, on mismatch, drop
// and recreate everything. This is a hard blocker — there is no partial
// schema migration path, only complete loss.
func (s *Store) bootstrapSchema(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='config'`).Scan(&exists)
	if err != nil {
		return &core.ErrStorage{Operation: "check_schema", Cause: err}
	}

	if exists == 0 {
		return s.createSchema(ctx)
	}

	var storedVersion int
	err = s.db.QueryRowContext(ctx, `SELECT operation_version FROM config WHERE id = 1`).Scan(&storedVersion)
	if err == sql.ErrNoRows {
		return s.createSchema(ctx)
	}
	if err != nil {
		return &core.ErrStorage{Operation: "read_operation_version", Cause: err}
	}

	if storedVersion == CurrentOperationVersion {
		return nil
	}

	s.logger.Warn("operation version mismatch, dropping and recreating schema",
		"stored", storedVersion, "current", CurrentOperationVersion)

	for _, name := range tableNames {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return &core.ErrStorage{Operation: "drop_table", Cause: err}
		}
	}
	return s.createSchema(ctx)
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.ErrStorage{Operation: "begin_create_schema", Cause: err}
	}
	defer tx.Rollback()

	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &core.ErrStorage{Operation: "create_table", Cause: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config (id, operation_version) VALUES (1, ?)`, CurrentOperationVersion); err != nil {
		return &core.ErrStorage{Operation: "seed_config", Cause: err}
	}

	return tx.Commit()
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }
