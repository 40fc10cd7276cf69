package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"settld-gateway/pkg/log"
)

// GateEvent is the fan-out envelope for one appended gate event. The chain
// hash lets consumers anchor what they receive against the gate's stream.
type GateEvent struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	GateID    string                 `json:"gateId"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	ChainHash string                 `json:"chainHash,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// JetStreamPublisher fans gate events out over NATS JetStream.
type JetStreamPublisher struct {
	js      *JetStream
	subject string
}

// NewJetStreamPublisher publishes to subject.<tenantId>.
func NewJetStreamPublisher(js *JetStream, subject string) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, subject: subject}
}

// PublishGateEvent implements the gate service publisher hook. Best-effort:
// failures log and drop, never failing the gate write.
func (p *JetStreamPublisher) PublishGateEvent(ctx context.Context, tenantID, gateID, eventType string, payload map[string]interface{}, chainHash string) {
	logger := log.LoggerFromContext(ctx)

	data, err := json.Marshal(GateEvent{
		ID:        fmt.Sprintf("%s:%s:%d", gateID, eventType, time.Now().UnixNano()),
		TenantID:  tenantID,
		GateID:    gateID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ChainHash: chainHash,
		Data:      payload,
	})
	if err != nil {
		logger.Error("failed to marshal gate event", zap.Error(err))
		return
	}

	subject := p.subject + "." + tenantID
	if err := p.js.Publish(ctx, subject, data); err != nil {
		logger.Warn("gate event publish failed",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return
	}
	logger.Debug("gate event published",
		zap.String("subject", subject),
		zap.String("event_type", eventType),
	)
}

// RabbitPublisher is the AMQP alternative behind the same hook.
type RabbitPublisher struct {
	channel  *amqp.Channel
	exchange string
}

// NewRabbitPublisher dials the broker and declares a topic exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker - NewRabbitPublisher - Dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker - NewRabbitPublisher - Channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("broker - NewRabbitPublisher - ExchangeDeclare: %w", err)
	}
	return &RabbitPublisher{channel: channel, exchange: exchange}, nil
}

// PublishGateEvent implements the gate service publisher hook over AMQP.
func (p *RabbitPublisher) PublishGateEvent(ctx context.Context, tenantID, gateID, eventType string, payload map[string]interface{}, chainHash string) {
	logger := log.LoggerFromContext(ctx)

	data, err := json.Marshal(GateEvent{
		ID:        fmt.Sprintf("%s:%s:%d", gateID, eventType, time.Now().UnixNano()),
		TenantID:  tenantID,
		GateID:    gateID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ChainHash: chainHash,
		Data:      payload,
	})
	if err != nil {
		logger.Error("failed to marshal gate event", zap.Error(err))
		return
	}

	routingKey := tenantID + "." + eventType
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		logger.Warn("gate event publish failed",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
