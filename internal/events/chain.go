package events

import (
	"time"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/errors"
)

// Event is one row of a hash-chained append-only stream. seq is strictly
// monotonic per stream; chainHash anchors the row to its predecessor.
type Event struct {
	EventID       string                 `json:"eventId" db:"event_id"`
	StreamID      string                 `json:"streamId" db:"stream_id"`
	Seq           int64                  `json:"seq" db:"seq"`
	At            time.Time              `json:"at" db:"at"`
	Type          string                 `json:"type" db:"type"`
	Payload       map[string]interface{} `json:"payload" db:"payload"`
	PrevChainHash string                 `json:"prevChainHash" db:"prev_chain_hash"`
	ChainHash     string                 `json:"chainHash" db:"chain_hash"`
	SignerKeyID   string                 `json:"signerKeyId,omitempty" db:"signer_key_id"`
	Signature     string                 `json:"signature,omitempty" db:"signature"`
}

// GenesisPrevHash anchors the first event of a stream.
const GenesisPrevHash = ""

// ChainHash computes sha256(canonical({prevChainHash, payload})).
func ChainHash(prevChainHash string, payload map[string]interface{}) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"prevChainHash": prevChainHash,
		"payload":       payload,
	})
}

// Head describes the current tip of a stream; returned alongside append
// conflicts so callers can retry against the real head.
type Head struct {
	HeadSeq       int64  `json:"headSeq"`
	HeadChainHash string `json:"headChainHash"`
	FirstEventID  string `json:"firstEventId,omitempty"`
	LastEventID   string `json:"lastEventId,omitempty"`
}

// AppendConflict builds the stable conflict error carrying head metadata.
func AppendConflict(head Head, expectedPrev string) error {
	return errors.ErrEventAppendConflict.
		WithDetails("expectedPrevChainHash", expectedPrev).
		WithDetails("gotPrevChainHash", head.HeadChainHash).
		WithDetails("headSeq", head.HeadSeq).
		WithDetails("headChainHash", head.HeadChainHash).
		WithDetails("firstEventId", head.FirstEventID).
		WithDetails("lastEventId", head.LastEventID)
}

// VerifyChain walks a stream and checks seq continuity and hash linkage.
func VerifyChain(stream []Event) error {
	prev := GenesisPrevHash
	for i, e := range stream {
		if e.Seq != int64(i+1) {
			return errors.ErrEventAppendConflict.
				WithMessage("event sequence gap").
				WithDetails("seq", e.Seq).
				WithDetails("expected", i+1)
		}
		if e.PrevChainHash != prev {
			return errors.ErrEventAppendConflict.
				WithMessage("chain linkage broken").
				WithDetails("eventId", e.EventID)
		}
		computed, err := ChainHash(e.PrevChainHash, e.Payload)
		if err != nil {
			return err
		}
		if computed != e.ChainHash {
			return errors.ErrEventAppendConflict.
				WithMessage("chain hash mismatch").
				WithDetails("eventId", e.EventID)
		}
		prev = e.ChainHash
	}
	return nil
}
