// Package db implements the PostgreSQL-backed mailbox store, duplicate
// ledger and addressbook used by the Sieve action runtime.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"database/sql"

	"github.com/migadu/sieved/config"
	"github.com/migadu/sieved/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewDatabase opens a connection pool, verifies connectivity and applies
// any pending schema migrations.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)

	logger.Info("connecting to database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{
		WritePool: dbPool,
		ReadPool:  dbPool,
	}

	if err := migrateUp(connString); err != nil {
		dbPool.Close()
		return nil, err
	}

	return db, nil
}

func migrateUp(connString string) error {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
}

func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}
