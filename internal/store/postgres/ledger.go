package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/errors"
)

func tokensBindingMode(raw string) tokens.BindingMode {
	mode, err := tokens.ParseBindingMode(raw)
	if err != nil {
		return tokens.BindingNone
	}
	return mode
}

// appendLedgerEntryTx inserts a ledger row, re-checking the running balance
// against the persisted tail so a racing writer cannot skew the chain.
func appendLedgerEntryTx(ctx context.Context, tx pgx.Tx, entry escrow.Entry) error {
	var balance *int64
	err := tx.QueryRow(ctx,
		`SELECT SUM(amount_cents) FROM escrow_ledger WHERE gate_id = $1`,
		entry.GateID).Scan(&balance)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	var current int64
	if balance != nil {
		current = *balance
	}
	if entry.BalanceBefore != current || entry.BalanceAfter != current+entry.AmountCents || entry.BalanceAfter < 0 {
		return errors.ErrSettlementSplitInvalid.
			WithDetails("entryId", entry.EntryID).
			WithDetails("balanceBefore", entry.BalanceBefore).
			WithDetails("actual", current)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_ledger (
			entry_id, gate_id, phase, amount_cents, balance_before, balance_after, at, parent_entry_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entry.EntryID, entry.GateID, string(entry.Phase), entry.AmountCents,
		entry.BalanceBefore, entry.BalanceAfter, entry.At, entry.ParentEntryID,
	)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) ListLedger(ctx context.Context, gateID string) ([]escrow.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, gate_id, phase, amount_cents, balance_before, balance_after, at, parent_entry_id
		FROM escrow_ledger WHERE gate_id = $1 ORDER BY at, entry_id
	`, gateID)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]escrow.Entry, 0)
	for rows.Next() {
		var e escrow.Entry
		var phase string
		if err := rows.Scan(&e.EntryID, &e.GateID, &phase, &e.AmountCents,
			&e.BalanceBefore, &e.BalanceAfter, &e.At, &e.ParentEntryID); err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		e.Phase = escrow.Phase(phase)
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertHoldTx(ctx context.Context, tx pgx.Tx, h escrow.Hold) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO holds (
			hold_hash, gate_id, amount_cents, status, created_at,
			dispute_window_ms, policy_hash, challenge_window_ends_at, resolved_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		h.HoldHash, h.GateID, h.AmountCents, string(h.Status), h.CreatedAt,
		h.DisputeWindowMs, h.PolicyHash, h.ChallengeWindowEndsAt, h.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrIdempotencyConflict.WithDetails("holdHash", h.HoldHash)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func updateHoldTx(ctx context.Context, tx pgx.Tx, h escrow.Hold) error {
	tag, err := tx.Exec(ctx, `
		UPDATE holds SET status = $1, resolved_at = $2 WHERE hold_hash = $3
	`, string(h.Status), h.ResolvedAt, h.HoldHash)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrHoldNotFound.WithDetails("holdHash", h.HoldHash)
	}
	return nil
}

func (s *Store) GetHold(ctx context.Context, holdHash string) (escrow.Hold, error) {
	h, err := scanHold(s.pool.QueryRow(ctx, `
		SELECT hold_hash, gate_id, amount_cents, status, created_at,
		       dispute_window_ms, policy_hash, challenge_window_ends_at, resolved_at
		FROM holds WHERE hold_hash = $1
	`, holdHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return escrow.Hold{}, errors.ErrHoldNotFound.WithDetails("holdHash", holdHash)
		}
		return escrow.Hold{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return h, nil
}

func (s *Store) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]escrow.Hold, error) {
	query := `
		SELECT hold_hash, gate_id, amount_cents, status, created_at,
		       dispute_window_ms, policy_hash, challenge_window_ends_at, resolved_at
		FROM holds
		WHERE status = 'held' AND challenge_window_ends_at <= $1
		ORDER BY challenge_window_ends_at
	`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]escrow.Hold, 0)
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHold(row pgx.Row) (escrow.Hold, error) {
	var h escrow.Hold
	var status string
	err := row.Scan(&h.HoldHash, &h.GateID, &h.AmountCents, &status, &h.CreatedAt,
		&h.DisputeWindowMs, &h.PolicyHash, &h.ChallengeWindowEndsAt, &h.ResolvedAt)
	if err != nil {
		return escrow.Hold{}, err
	}
	h.Status = escrow.HoldStatus(status)
	return h, nil
}
