package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

// UpsertIdempotency inserts the row if absent; on conflict it returns the
// stored row so the caller can compare requestHash and replay or reject.
func (s *Store) UpsertIdempotency(ctx context.Context, row store.IdempotencyRow) (store.IdempotencyRow, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, scope, idem_key, request_hash, response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, scope, idem_key) DO NOTHING
	`, row.TenantID, row.Scope, row.Key, row.RequestHash, row.Response, row.CreatedAt)
	if err != nil {
		return store.IdempotencyRow{}, false, errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return row, true, nil
	}

	stored, err := s.getIdempotency(ctx, row.TenantID, row.Scope, row.Key)
	if err != nil {
		return store.IdempotencyRow{}, false, err
	}
	return stored, false, nil
}

func (s *Store) getIdempotency(ctx context.Context, tenantID, scope, key string) (store.IdempotencyRow, error) {
	var row store.IdempotencyRow
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, scope, idem_key, request_hash, response, created_at
		FROM idempotency_keys WHERE tenant_id = $1 AND scope = $2 AND idem_key = $3
	`, tenantID, scope, key).Scan(
		&row.TenantID, &row.Scope, &row.Key, &row.RequestHash, &row.Response, &row.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.IdempotencyRow{}, errors.ErrNotFound.WithDetails("idempotencyKey", key)
		}
		return store.IdempotencyRow{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return row, nil
}

func (s *Store) SaveIdempotencyResponse(ctx context.Context, tenantID, scope, key string, response []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys SET response = $1
		WHERE tenant_id = $2 AND scope = $3 AND idem_key = $4
	`, response, tenantID, scope, key)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound.WithDetails("idempotencyKey", key)
	}
	return nil
}
