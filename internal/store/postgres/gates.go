package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

const gateColumns = `
	gate_id, tenant_id, payer_agent_id, payee_agent_id, amount_cents, currency,
	holdback_bps, dispute_window_ms, tool_id, provider_id, status,
	created_at, updated_at, expires_at, revision,
	payment_required_header_raw, provider_public_key_pem, agent_passport,
	parent_work_order_hash, quote_id, authorization_ref, decision_id
`

func scanGate(row pgx.Row) (domain.Gate, error) {
	var g domain.Gate
	var status string
	err := row.Scan(
		&g.GateID, &g.TenantID, &g.PayerAgentID, &g.PayeeAgentID, &g.AmountCents, &g.Currency,
		&g.HoldbackBps, &g.DisputeWindowMs, &g.ToolID, &g.ProviderID, &status,
		&g.CreatedAt, &g.UpdatedAt, &g.ExpiresAt, &g.Revision,
		&g.PaymentRequiredHeaderRaw, &g.ProviderPublicKeyPem, &g.AgentPassport,
		&g.ParentWorkOrderHash, &g.QuoteID, &g.AuthorizationRef, &g.DecisionID,
	)
	if err != nil {
		return domain.Gate{}, err
	}
	g.Status = domain.Status(status)
	return g, nil
}

func insertGateTx(ctx context.Context, tx pgx.Tx, g domain.Gate) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gates (`+gateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		g.GateID, g.TenantID, g.PayerAgentID, g.PayeeAgentID, g.AmountCents, g.Currency,
		g.HoldbackBps, g.DisputeWindowMs, g.ToolID, g.ProviderID, string(g.Status),
		g.CreatedAt, g.UpdatedAt, g.ExpiresAt, g.Revision,
		g.PaymentRequiredHeaderRaw, g.ProviderPublicKeyPem, g.AgentPassport,
		g.ParentWorkOrderHash, g.QuoteID, g.AuthorizationRef, g.DecisionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrConcurrentModification.WithDetails("gateId", g.GateID)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// InsertGate creates the gate row and its genesis event in one transaction.
func (s *Store) InsertGate(ctx context.Context, g domain.Gate, initial store.EventAppend) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertGateTx(ctx, tx, g); err != nil {
			return err
		}
		_, err := appendEventTx(ctx, tx, initial)
		return err
	})
}

func (s *Store) GetGate(ctx context.Context, tenantID, gateID string) (domain.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates WHERE gate_id = $1`
	args := []interface{}{gateID}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}

	g, err := scanGate(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Gate{}, errors.ErrNotFound.WithDetails("gateId", gateID)
		}
		return domain.Gate{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return g, nil
}

func (s *Store) ListGates(ctx context.Context, tenantID string, status domain.Status, limit int) ([]domain.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]domain.Gate, 0)
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredGates(ctx context.Context, now time.Time, limit int) ([]domain.Gate, error) {
	query := `
		SELECT ` + gateColumns + `
		FROM gates
		WHERE status IN ('created','quoted','authorized')
		  AND expires_at <= $1
		ORDER BY expires_at
	`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]domain.Gate, 0)
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ApplyGateMutation is the transactional heart of the state machine: the gate
// CAS guards everything else staged in the mutation.
func (s *Store) ApplyGateMutation(ctx context.Context, m store.GateMutation) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Stage events first so a lost race on the stream head surfaces as
		// the append conflict rather than a bare CAS failure.
		for _, ea := range m.Events {
			if _, err := appendEventTx(ctx, tx, ea); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE gates SET
				status = $1, updated_at = $2, revision = $3,
				quote_id = $4, authorization_ref = $5, decision_id = $6, expires_at = $7
			WHERE gate_id = $8 AND revision = $9
		`,
			string(m.Gate.Status), m.Gate.UpdatedAt, m.Gate.Revision,
			m.Gate.QuoteID, m.Gate.AuthorizationRef, m.Gate.DecisionID, m.Gate.ExpiresAt,
			m.Gate.GateID, m.ExpectedRevision,
		)
		if err != nil {
			return errors.ErrStoreUnavailable.Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.GetGate(ctx, "", m.Gate.GateID); getErr != nil {
				return getErr
			}
			return errors.ErrConcurrentModification.WithDetails("gateId", m.Gate.GateID)
		}

		if m.WalletDebit != nil {
			if err := debitWalletTx(ctx, tx, m.Gate.TenantID, *m.WalletDebit, m.Gate.UpdatedAt); err != nil {
				return err
			}
		}
		for _, credit := range m.WalletCredits {
			if err := creditWalletTx(ctx, tx, m.Gate.TenantID, credit.AgentID, credit.AmountCents, m.Gate.UpdatedAt); err != nil {
				return err
			}
		}
		for _, entry := range m.LedgerEntries {
			if err := appendLedgerEntryTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		if m.Quote != nil {
			if err := insertQuoteTx(ctx, tx, *m.Quote); err != nil {
				return err
			}
		}
		if m.Authorization != nil {
			if err := insertAuthorizationTx(ctx, tx, *m.Authorization); err != nil {
				return err
			}
		}
		if m.Decision != nil {
			if err := insertDecisionTx(ctx, tx, *m.Decision); err != nil {
				return err
			}
		}
		if m.Receipt != nil {
			if err := insertReceiptTx(ctx, tx, *m.Receipt); err != nil {
				return err
			}
		}
		for _, h := range m.HoldInserts {
			if err := insertHoldTx(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, h := range m.HoldUpdates {
			if err := updateHoldTx(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, row := range m.Outbox {
			if err := insertDeliveryTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertQuoteTx(ctx context.Context, tx pgx.Tx, q domain.Quote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO quotes (
			quote_id, gate_id, request_binding_mode, request_binding_sha256,
			provider_id, tool_id, amount_cents, currency, expires_at, created_at, quote_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		q.QuoteID, q.GateID, string(q.RequestBindingMode), q.RequestBindingHash,
		q.ProviderID, q.ToolID, q.AmountCents, q.Currency, q.ExpiresAt, q.CreatedAt, q.QuoteHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrIdempotencyConflict.WithDetails("quoteId", q.QuoteID)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) GetQuote(ctx context.Context, gateID, quoteID string) (domain.Quote, error) {
	var q domain.Quote
	var mode string
	err := s.pool.QueryRow(ctx, `
		SELECT quote_id, gate_id, request_binding_mode, request_binding_sha256,
		       provider_id, tool_id, amount_cents, currency, expires_at, created_at, quote_hash
		FROM quotes WHERE quote_id = $1 AND gate_id = $2
	`, quoteID, gateID).Scan(
		&q.QuoteID, &q.GateID, &mode, &q.RequestBindingHash,
		&q.ProviderID, &q.ToolID, &q.AmountCents, &q.Currency, &q.ExpiresAt, &q.CreatedAt, &q.QuoteHash,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Quote{}, errors.ErrNotFound.WithDetails("quoteId", quoteID)
		}
		return domain.Quote{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	q.RequestBindingMode = tokensBindingMode(mode)
	return q, nil
}

func insertAuthorizationTx(ctx context.Context, tx pgx.Tx, a domain.Authorization) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO authorizations (
			authorization_ref, gate_id, token_hash, quote_id, idempotency_key, expires_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.AuthorizationRef, a.GateID, a.TokenHash, a.QuoteID, a.IdempotencyKey, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrIdempotencyConflict.WithDetails("gateId", a.GateID)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) GetAuthorization(ctx context.Context, gateID, idempotencyKey string) (domain.Authorization, error) {
	var a domain.Authorization
	err := s.pool.QueryRow(ctx, `
		SELECT authorization_ref, gate_id, token_hash, quote_id, idempotency_key, expires_at, created_at
		FROM authorizations WHERE gate_id = $1 AND idempotency_key = $2
	`, gateID, idempotencyKey).Scan(
		&a.AuthorizationRef, &a.GateID, &a.TokenHash, &a.QuoteID, &a.IdempotencyKey, &a.ExpiresAt, &a.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Authorization{}, errors.ErrNotFound.WithDetails("gateId", gateID)
		}
		return domain.Authorization{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return a, nil
}

func insertDecisionTx(ctx context.Context, tx pgx.Tx, d settlement.DecisionRecord) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return errors.ErrInternal.Wrap(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO settlement_decisions (decision_id, gate_id, decision_hash, record)
		VALUES ($1,$2,$3,$4)
	`, d.DecisionID, d.GateID, d.DecisionHash, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrIdempotencyConflict.WithDetails("decisionId", d.DecisionID)
		}
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, gateID string) (settlement.DecisionRecord, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM settlement_decisions WHERE gate_id = $1 ORDER BY created_at DESC LIMIT 1`,
		gateID).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return settlement.DecisionRecord{}, errors.ErrNotFound.WithDetails("gateId", gateID)
		}
		return settlement.DecisionRecord{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	var d settlement.DecisionRecord
	if err := json.Unmarshal(payload, &d); err != nil {
		return settlement.DecisionRecord{}, errors.ErrInternal.Wrap(err)
	}
	return d, nil
}

func insertReceiptTx(ctx context.Context, tx pgx.Tx, r settlement.Receipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return errors.ErrInternal.Wrap(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO settlement_receipts (gate_id, receipt_hash, receipt)
		VALUES ($1,$2,$3)
		ON CONFLICT (gate_id) DO NOTHING
	`, r.GateID, r.ReceiptHash, payload)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) GetReceipt(ctx context.Context, gateID string) (settlement.Receipt, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT receipt FROM settlement_receipts WHERE gate_id = $1`, gateID).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return settlement.Receipt{}, errors.ErrNotFound.WithDetails("gateId", gateID)
		}
		return settlement.Receipt{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	var r settlement.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return settlement.Receipt{}, errors.ErrInternal.Wrap(err)
	}
	return r, nil
}

func debitWalletTx(ctx context.Context, tx pgx.Tx, tenantID string, delta store.WalletDelta, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET available_cents = available_cents - $1, updated_at = $2
		WHERE tenant_id = $3 AND agent_id = $4 AND available_cents >= $1
	`, delta.AmountCents, at, tenantID, delta.AgentID)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrInsufficientFunds.
			WithDetails("agentId", delta.AgentID).
			WithDetails("required", delta.AmountCents)
	}
	return nil
}

func creditWalletTx(ctx context.Context, tx pgx.Tx, tenantID, agentID string, amountCents int64, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (tenant_id, agent_id, available_cents, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, agent_id)
		DO UPDATE SET available_cents = wallets.available_cents + $3, updated_at = $4
	`, tenantID, agentID, amountCents, at)
	if err != nil {
		return errors.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, tenantID, agentID string) (escrow.Wallet, error) {
	var w escrow.Wallet
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, agent_id, available_cents, updated_at
		FROM wallets WHERE tenant_id = $1 AND agent_id = $2
	`, tenantID, agentID).Scan(&w.TenantID, &w.AgentID, &w.AvailableCents, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return escrow.Wallet{TenantID: tenantID, AgentID: agentID}, nil
		}
		return escrow.Wallet{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return w, nil
}

func (s *Store) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) (escrow.Wallet, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		return creditWalletTx(ctx, tx, tenantID, agentID, amountCents, time.Now())
	})
	if err != nil {
		return escrow.Wallet{}, err
	}
	return s.GetWallet(ctx, tenantID, agentID)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
