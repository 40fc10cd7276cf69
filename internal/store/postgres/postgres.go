package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

// Store is the Postgres-backed implementation. Gate mutations run inside a
// single transaction so the CAS, ledger appends, event chain, and outbox rows
// commit together.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

const defaultMaxConns = 20

// New connects a pgx pool to dsn and verifies the connection.
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres: empty data source name")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config failed: %w", err)
	}
	config.MaxConns = defaultMaxConns
	config.MinConns = 5
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect failed: %w", err)
	}
	if err = pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// withTx runs fn in a transaction, translating connection failures to
// STORE_UNAVAILABLE.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// WithAdvisoryLock takes a pg advisory transaction lock derived from key and
// runs fn while holding it. A second caller blocks until the first commits.
func (s *Store) WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockID(key)); err != nil {
			return errors.ErrStoreLockTimeout.Wrap(err)
		}
		return fn(ctx)
	})
}

func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
