package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (p *PostgresStore) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(p.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Rides() RideRepo         { return pgRides{p.db} }
func (p *PostgresStore) Wallets() WalletRepo     { return pgWallets{p.db} }
func (p *PostgresStore) Drivers() DriverRepo     { return pgDrivers{p.db} }
func (p *PostgresStore) Locations() LocationRepo { return pgLocations{p.db} }

func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	// no-op once committed
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, pgRepos{tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

type pgRepos struct {
	q sqlx.ExtContext
}

func (r pgRepos) Rides() RideRepo         { return pgRides{r.q} }
func (r pgRepos) Wallets() WalletRepo     { return pgWallets{r.q} }
func (r pgRepos) Drivers() DriverRepo     { return pgDrivers{r.q} }
func (r pgRepos) Locations() LocationRepo { return pgLocations{r.q} }

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

// execAffected runs a conditional write and reports whether a row matched.
func execAffected(ctx context.Context, q sqlx.ExecerContext, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
