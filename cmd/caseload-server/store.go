package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/caseload/caseload/internal/config"
	"github.com/caseload/caseload/internal/domain/caseload"
	"github.com/caseload/caseload/internal/platform/db"
	"github.com/caseload/caseload/internal/platform/sqlitedb"
	"github.com/caseload/caseload/migrations"
)

// store bundles the repositories and transactor of one storage backend.
type store struct {
	driver      string
	users       caseload.UserRepository
	assignments caseload.AssignmentRepository
	tx          caseload.Transactor

	pool   *pgxpool.Pool
	sqlite *sqlitedb.DB
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		d, err := sqlitedb.Open(ctx, cfg.SQLitePath, migrations.SQLite())
		if err != nil {
			return nil, err
		}
		return &store{
			driver:      config.DriverSQLite,
			users:       caseload.NewUserRepoSQLite(d),
			assignments: caseload.NewAssignmentRepoSQLite(d),
			tx:          sqlitedb.NewTransactor(d),
			sqlite:      d,
		}, nil
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		return &store{
			driver:      config.DriverPostgres,
			users:       caseload.NewUserRepoPG(pool),
			assignments: caseload.NewAssignmentRepoPG(pool),
			tx:          db.NewTransactor(pool),
			pool:        pool,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		s.sqlite.Close()
	}
}

func (s *store) pinger() db.Pinger {
	if s.pool != nil {
		return s.pool
	}
	return s.sqlite
}

func (s *store) stats() func() interface{} {
	if s.pool != nil {
		return db.PoolStatsFunc(s.pool)
	}
	return func() interface{} { return s.sqlite.Stats() }
}

func (s *store) migrateUp(ctx context.Context) (int, error) {
	if s.pool != nil {
		return db.NewMigrator(s.pool, migrations.Postgres()).Up(ctx)
	}
	return s.sqlite.Migrate(ctx, migrations.SQLite())
}

func (s *store) migrationStatus(ctx context.Context) ([]db.MigrationStatus, error) {
	if s.pool != nil {
		return db.NewMigrator(s.pool, migrations.Postgres()).Status(ctx)
	}
	return s.sqlite.MigrationStatus(ctx, migrations.SQLite())
}

func newService(st *store, cfg *config.Config, logger zerolog.Logger) (*caseload.Service, error) {
	targets, err := cfg.CleanupTargets()
	if err != nil {
		return nil, fmt.Errorf("ANCILLARY_CLEANUP: %w", err)
	}
	svc := caseload.NewService(st.users, st.assignments, st.tx, targets)
	svc.SetLogger(logger)
	return svc, nil
}
