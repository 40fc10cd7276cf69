package webhooks

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"settld-gateway/internal/store"
	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
	"settld-gateway/pkg/log"
)

const maxDeliveryBody = 4 << 20 // 4 MiB

// Receiver is the inbound half of the delivery contract: it verifies the
// HMAC signature and timestamp window, checks artifact integrity, dedupes by
// dedupe key, stores the artifact content-addressed, and journals every step
// so acks replay safely after a restart.
type Receiver struct {
	store     store.Store
	artifacts ArtifactStore
	journal   *DedupeLog
	secret    []byte
	maxSkew   time.Duration
	now       func() time.Time
}

// NewReceiver wires a receiver.
func NewReceiver(st store.Store, artifacts ArtifactStore, journal *DedupeLog, secret string, maxSkew time.Duration) *Receiver {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Receiver{
		store:     st,
		artifacts: artifacts,
		journal:   journal,
		secret:    []byte(secret),
		maxSkew:   maxSkew,
		now:       time.Now,
	}
}

// Routes mounts the receiver endpoint.
func (r *Receiver) Routes() chi.Router {
	router := chi.NewRouter()
	router.Post("/nooterra", r.handleDelivery)
	return router
}

// handleDelivery processes one signed delivery. At-least-once on the wire,
// at-most-once in effect: replays of an already stored delivery re-ack
// without touching state, and a dedupe key bound to different bytes is a
// 409 DEDUPE_MISMATCH.
func (r *Receiver) handleDelivery(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	logger := log.LoggerFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(req.Body, maxDeliveryBody))
	if err != nil {
		httputil.RespondError(w, req, errors.ErrInvalidInput.Wrap(err))
		return
	}

	if err := VerifySignature(
		r.secret,
		req.Header.Get(HeaderTimestamp),
		req.Header.Get(HeaderSignature),
		body,
		r.now(),
		r.maxSkew,
	); err != nil {
		httputil.RespondError(w, req, err)
		return
	}

	dedupeKey := req.Header.Get(HeaderDedupeKey)
	deliveryID := req.Header.Get(HeaderDeliveryID)
	artifactType := req.Header.Get(HeaderArtifactType)
	tenantID := req.Header.Get(HeaderTenantID)
	if dedupeKey == "" || deliveryID == "" || artifactType == "" {
		httputil.RespondError(w, req, errors.ErrValidation.WithDetails("field", "delivery headers"))
		return
	}

	// Artifact integrity: the canonical hash of the body is the address.
	parsed, err := canonical.Parse(body)
	if err != nil {
		httputil.RespondError(w, req, errors.ErrInvalidInput.WithMessage("artifact is not valid JSON").Wrap(err))
		return
	}
	artifactHash, err := canonical.Hash(parsed)
	if err != nil {
		httputil.RespondError(w, req, errors.ErrInvalidInput.Wrap(err))
		return
	}

	now := r.now()
	r.logRecord(DedupeLogRecord{
		Type: LogReceived, DedupeKey: dedupeKey, ArtifactHash: artifactHash, DeliveryID: deliveryID, At: now,
	})

	claimed, created, err := r.store.ClaimDedupe(ctx, store.DedupeRow{
		DedupeKey:    dedupeKey,
		ArtifactHash: artifactHash,
		DeliveryID:   deliveryID,
		ReceivedAt:   now,
	})
	if err != nil {
		httputil.RespondError(w, req, err)
		return
	}
	if !created {
		if claimed.ArtifactHash != artifactHash {
			httputil.RespondError(w, req, errors.ErrDedupeMismatch.
				WithDetails("dedupeKey", dedupeKey).
				WithDetails("storedArtifactHash", claimed.ArtifactHash).
				WithDetails("gotArtifactHash", artifactHash))
			return
		}
		// Replay of a known delivery: re-ack without re-storing.
		render.Status(req, http.StatusOK)
		render.JSON(w, req, map[string]interface{}{
			"ok":           true,
			"deliveryId":   claimed.DeliveryID,
			"artifactHash": artifactHash,
			"replayed":     true,
		})
		return
	}

	if err := r.artifacts.Put(ctx, tenantID, artifactType, artifactHash, body); err != nil {
		logger.Error("artifact store failed",
			zap.String("dedupe_key", dedupeKey),
			zap.Error(err),
		)
		httputil.RespondError(w, req, errors.ErrStoreUnavailable.Wrap(err))
		return
	}
	storedAt := r.now()
	if err := r.store.MarkDedupe(ctx, dedupeKey, &storedAt, nil); err != nil {
		logger.Warn("dedupe bookkeeping failed", zap.Error(err))
	}
	r.logRecord(DedupeLogRecord{
		Type: LogStored, DedupeKey: dedupeKey, ArtifactHash: artifactHash, DeliveryID: deliveryID, At: storedAt,
	})

	// Ack queue: the 2xx response is the ack, so queue and result coincide
	// on the happy path; the journal keeps both for crash replay.
	r.logRecord(DedupeLogRecord{
		Type: LogAckQueued, DedupeKey: dedupeKey, DeliveryID: deliveryID, At: r.now(),
	})
	ackedAt := r.now()
	if err := r.store.MarkDedupe(ctx, dedupeKey, nil, &ackedAt); err != nil {
		logger.Warn("ack bookkeeping failed", zap.Error(err))
	}
	r.logRecord(DedupeLogRecord{
		Type: LogAckResult, DedupeKey: dedupeKey, DeliveryID: deliveryID, At: ackedAt, Detail: "2xx",
	})

	logger.Info("delivery stored",
		zap.String("dedupe_key", dedupeKey),
		zap.String("artifact_hash", artifactHash),
		zap.String("artifact_type", artifactType),
	)
	render.Status(req, http.StatusOK)
	render.JSON(w, req, map[string]interface{}{
		"ok":           true,
		"deliveryId":   deliveryID,
		"artifactHash": artifactHash,
	})
}

func (r *Receiver) logRecord(record DedupeLogRecord) {
	if r.journal == nil {
		return
	}
	_ = r.journal.Append(record)
}
