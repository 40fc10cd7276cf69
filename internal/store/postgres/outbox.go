package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

func insertDeliveryTx(ctx context.Context, tx pgx.Tx, row store.OutboxRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_deliveries (
			delivery_id, tenant_id, dedupe_key, artifact_type, artifact_hash,
			destination_id, body, attempts, next_attempt_at, acked_at, last_error,
			permanently_failed, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		row.DeliveryID, row.TenantID, row.DedupeKey, row.ArtifactType, row.ArtifactHash,
		row.DestinationID, row.Body, row.Attempts, row.NextAttemptAt, row.AckedAt,
		row.LastError, row.PermanentlyFailed, row.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrIdempotencyConflict.WithDetails("deliveryId", row.DeliveryID)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) InsertDelivery(ctx context.Context, row store.OutboxRow) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertDeliveryTx(ctx, tx, row)
	})
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.OutboxRow, error) {
	query := `
		SELECT delivery_id, tenant_id, dedupe_key, artifact_type, artifact_hash,
		       destination_id, body, attempts, next_attempt_at, acked_at, last_error,
		       permanently_failed, created_at
		FROM outbox_deliveries
		WHERE acked_at IS NULL AND permanently_failed = FALSE AND next_attempt_at <= $1
		ORDER BY next_attempt_at
	`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]store.OutboxRow, 0)
	for rows.Next() {
		var row store.OutboxRow
		if err := rows.Scan(
			&row.DeliveryID, &row.TenantID, &row.DedupeKey, &row.ArtifactType, &row.ArtifactHash,
			&row.DestinationID, &row.Body, &row.Attempts, &row.NextAttemptAt, &row.AckedAt,
			&row.LastError, &row.PermanentlyFailed, &row.CreatedAt,
		); err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) MarkDeliveryResult(ctx context.Context, deliveryID string, attempts int, nextAttemptAt *time.Time, acked bool, lastError string, permanent bool) error {
	var ackedAt *time.Time
	if acked {
		now := time.Now()
		ackedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_deliveries SET
			attempts = $1,
			next_attempt_at = COALESCE($2, next_attempt_at),
			acked_at = COALESCE($3, acked_at),
			last_error = $4,
			permanently_failed = $5
		WHERE delivery_id = $6
	`, attempts, nextAttemptAt, ackedAt, lastError, permanent, deliveryID)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound.WithDetails("deliveryId", deliveryID)
	}
	return nil
}

func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_deliveries
		WHERE acked_at IS NULL AND permanently_failed = FALSE
	`).Scan(&count)
	if err != nil {
		return 0, errors.ErrStoreUnavailable.Wrap(err)
	}
	return count, nil
}

// ClaimDedupe inserts the receiver-side binding; on conflict it returns the
// existing row so the caller can detect DEDUPE_MISMATCH.
func (s *Store) ClaimDedupe(ctx context.Context, row store.DedupeRow) (store.DedupeRow, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO receiver_dedupe (dedupe_key, artifact_hash, delivery_id, received_at, stored_at, acked_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, row.DedupeKey, row.ArtifactHash, row.DeliveryID, row.ReceivedAt, row.StoredAt, row.AckedAt)
	if err != nil {
		return store.DedupeRow{}, false, errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return row, true, nil
	}

	var stored store.DedupeRow
	err = s.pool.QueryRow(ctx, `
		SELECT dedupe_key, artifact_hash, delivery_id, received_at, stored_at, acked_at
		FROM receiver_dedupe WHERE dedupe_key = $1
	`, row.DedupeKey).Scan(
		&stored.DedupeKey, &stored.ArtifactHash, &stored.DeliveryID,
		&stored.ReceivedAt, &stored.StoredAt, &stored.AckedAt,
	)
	if err != nil {
		return store.DedupeRow{}, false, errors.ErrStoreUnavailable.Wrap(err)
	}
	return stored, false, nil
}

func (s *Store) MarkDedupe(ctx context.Context, dedupeKey string, storedAt, ackedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE receiver_dedupe SET
			stored_at = COALESCE($1, stored_at),
			acked_at = COALESCE($2, acked_at)
		WHERE dedupe_key = $3
	`, storedAt, ackedAt, dedupeKey)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound.WithDetails("dedupeKey", dedupeKey)
	}
	return nil
}
