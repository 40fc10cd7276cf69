package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"settld-gateway/internal/events"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

// appendEventTx appends one event under the transaction. The stream head is
// read FOR UPDATE so concurrent appends serialize; a mismatched expected
// hash returns the conflict with head metadata.
func appendEventTx(ctx context.Context, tx pgx.Tx, ea store.EventAppend) (events.Event, error) {
	head, err := streamHeadTx(ctx, tx, ea.StreamID, true)
	if err != nil {
		return events.Event{}, err
	}
	if ea.ExpectedPrevChainHash != nil && *ea.ExpectedPrevChainHash != head.HeadChainHash {
		return events.Event{}, events.AppendConflict(head, *ea.ExpectedPrevChainHash)
	}

	chainHash, err := events.ChainHash(head.HeadChainHash, ea.Payload)
	if err != nil {
		return events.Event{}, err
	}
	event := events.Event{
		EventID:       "evt_" + uuid.New().String(),
		StreamID:      ea.StreamID,
		Seq:           head.HeadSeq + 1,
		At:            ea.At,
		Type:          ea.Type,
		Payload:       ea.Payload,
		PrevChainHash: head.HeadChainHash,
		ChainHash:     chainHash,
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return events.Event{}, errors.ErrInternal.Wrap(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO gate_events (
			event_id, stream_id, seq, at, type, payload, prev_chain_hash, chain_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, event.EventID, event.StreamID, event.Seq, event.At, event.Type, payload,
		event.PrevChainHash, event.ChainHash)
	if err != nil {
		if isUniqueViolation(err) {
			return events.Event{}, events.AppendConflict(head, head.HeadChainHash)
		}
		return events.Event{}, errors.ErrStoreUnavailable.Wrap(err)
	}
	return event, nil
}

func streamHeadTx(ctx context.Context, tx pgx.Tx, streamID string, forUpdate bool) (events.Head, error) {
	head := events.Head{HeadChainHash: events.GenesisPrevHash}

	query := `
		SELECT seq, chain_hash, event_id FROM gate_events
		WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var lastEventID string
	err := tx.QueryRow(ctx, query, streamID).Scan(&head.HeadSeq, &head.HeadChainHash, &lastEventID)
	if err == pgx.ErrNoRows {
		return head, nil
	}
	if err != nil {
		return head, errors.ErrStoreUnavailable.Wrap(err)
	}
	head.LastEventID = lastEventID

	err = tx.QueryRow(ctx, `
		SELECT event_id FROM gate_events WHERE stream_id = $1 ORDER BY seq ASC LIMIT 1
	`, streamID).Scan(&head.FirstEventID)
	if err != nil && err != pgx.ErrNoRows {
		return head, errors.ErrStoreUnavailable.Wrap(err)
	}
	return head, nil
}

func (s *Store) StreamHead(ctx context.Context, streamID string) (events.Head, error) {
	var head events.Head
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		head, err = streamHeadTx(ctx, tx, streamID, false)
		return err
	})
	return head, err
}

func (s *Store) ListEvents(ctx context.Context, streamID string) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, stream_id, seq, at, type, payload, prev_chain_hash, chain_hash
		FROM gate_events WHERE stream_id = $1 ORDER BY seq
	`, streamID)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		var e events.Event
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.StreamID, &e.Seq, &e.At, &e.Type,
			&payload, &e.PrevChainHash, &e.ChainHash); err != nil {
			return nil, errors.ErrStoreUnavailable.Wrap(err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, errors.ErrInternal.Wrap(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
