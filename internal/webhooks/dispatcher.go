package webhooks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"settld-gateway/internal/store"
	"settld-gateway/pkg/log"
)

// Dispatcher POSTs signed outbox deliveries to the configured destination.
// At-least-once: the maintenance pump retries until the receiver acks or the
// retry ceiling marks the delivery permanently failed.
type Dispatcher struct {
	http           *resty.Client
	secret         []byte
	destinationURL string
	now            func() time.Time
}

// NewDispatcher builds a dispatcher with the given ack timeout.
func NewDispatcher(destinationURL, secret string, ackTimeout time.Duration) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Dispatcher{
		http:           resty.New().SetTimeout(ackTimeout),
		secret:         []byte(secret),
		destinationURL: destinationURL,
		now:            time.Now,
	}
}

// Deliver signs and posts one outbox row. A non-2xx response is an error so
// the pump schedules a retry.
func (d *Dispatcher) Deliver(ctx context.Context, row store.OutboxRow) error {
	if d.destinationURL == "" {
		return fmt.Errorf("webhooks: no destination configured")
	}

	timestamp := d.now().UnixMilli()
	signature, err := Signature(d.secret, timestamp, row.Body)
	if err != nil {
		return fmt.Errorf("webhooks: sign delivery: %w", err)
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetHeader(HeaderTimestamp, strconv.FormatInt(timestamp, 10)).
		SetHeader(HeaderSignature, signature).
		SetHeader(HeaderDedupeKey, row.DedupeKey).
		SetHeader(HeaderDeliveryID, row.DeliveryID).
		SetHeader(HeaderArtifactType, row.ArtifactType).
		SetHeader(HeaderTenantID, row.TenantID).
		SetHeader(HeaderDestinationID, row.DestinationID).
		SetHeader(HeaderProtocol, ProtocolVersion).
		SetBody(row.Body).
		Post(d.destinationURL)
	if err != nil {
		return fmt.Errorf("webhooks: post delivery: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhooks: destination returned %d", resp.StatusCode())
	}

	log.LoggerFromContext(ctx).Debug("delivery acknowledged",
		zap.String("delivery_id", row.DeliveryID),
		zap.String("dedupe_key", row.DedupeKey),
	)
	return nil
}
