package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"settld-gateway/internal/settlement"
	"settld-gateway/pkg/log"
)

// ClickHouseSink streams settlement decisions into a reporting table.
// Best-effort: a failed insert logs and drops, the decision of record lives
// in the primary store.
type ClickHouseSink struct {
	conn  *sql.DB
	table string
}

// NewClickHouseSink connects and ensures the decisions table exists.
func NewClickHouseSink(dsn, table string) (*ClickHouseSink, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics - NewClickHouseSink - ParseDSN: %w", err)
	}
	options.DialTimeout = 30 * time.Second
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn := clickhouse.OpenDB(options)
	conn.SetMaxIdleConns(5)
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("analytics - NewClickHouseSink - Ping: %w", err)
	}

	sink := &ClickHouseSink{conn: conn, table: table}
	if err := sink.ensureTable(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *ClickHouseSink) ensureTable() error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tenant_id             String,
			decision_id           String,
			gate_id               String,
			verification_status   LowCardinality(String),
			decision_mode         LowCardinality(String),
			released_amount_cents Int64,
			refunded_amount_cents Int64,
			heldback_amount_cents Int64,
			reason_codes          String,
			policy_hash           String,
			decision_hash         String,
			decided_at            DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (tenant_id, decided_at)
	`, s.table)
	if _, err := s.conn.Exec(ddl); err != nil {
		return fmt.Errorf("analytics - ensureTable: %w", err)
	}
	return nil
}

// RecordDecision implements the gate service analytics hook.
func (s *ClickHouseSink) RecordDecision(ctx context.Context, tenantID string, record settlement.DecisionRecord) {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			tenant_id, decision_id, gate_id, verification_status, decision_mode,
			released_amount_cents, refunded_amount_cents, heldback_amount_cents,
			reason_codes, policy_hash, decision_hash, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err := s.conn.ExecContext(ctx, query,
		tenantID,
		record.DecisionID,
		record.GateID,
		string(record.VerificationStatus),
		string(record.DecisionMode),
		record.ReleasedAmountCents,
		record.RefundedAmountCents,
		record.HeldbackAmountCents,
		strings.Join(record.ReasonCodes, ","),
		record.PolicyHashUsed,
		record.DecisionHash,
		time.UnixMilli(record.DecidedAt),
	)
	if err != nil {
		log.LoggerFromContext(ctx).Warn("analytics insert failed",
			zap.String("decision_id", record.DecisionID),
			zap.Error(err),
		)
	}
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }
