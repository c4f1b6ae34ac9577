package store

import (
	"context"
	"os"

	"github.com/pressly/goose/v3"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// applyContentMigrations runs caller-supplied, numbered content migrations
// against the already-bootstrapped schema. Migrations are opaque SQL/Go
// steps managed by goose; this package does not interpret their content,
// only their ordering. Grounded on the teacher's internal/database
// migrations wiring, re-pointed at the sqlite dialect this store actually
// uses instead of postgres.
func (s *Store) applyContentMigrations(ctx context.Context, migrationsDir string) error {
	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		s.logger.Debug("no content migrations directory, skipping", "dir", migrationsDir)
		return nil
	}

	if err := goose.SetDialect("sqlite3"); err != nil {
		return &core.ErrStorage{Operation: "goose_set_dialect", Cause: err}
	}

	if err := goose.UpContext(ctx, s.db, migrationsDir); err != nil {
		return &core.ErrStorage{Operation: "apply_content_migrations", Cause: err}
	}

	s.logger.Info("content migrations applied", "dir", migrationsDir)
	return nil
}
