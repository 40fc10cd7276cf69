package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultTimeout = 5 * time.Second

// JetStream wraps a NATS JetStream connection with the gate-event stream
// ensured on connect.
type JetStream struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// JetStreamConfig for the event stream.
type JetStreamConfig struct {
	URL        string
	StreamName string
	Subjects   []string
}

// NewJetStream connects and creates (or updates) the stream.
func NewJetStream(cfg JetStreamConfig) (*JetStream, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("broker - NewJetStream - nats.Connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker - NewJetStream - jetstream.New: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	streamConfig := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Subjects:    cfg.Subjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Compression: jetstream.S2Compression,
	}
	if _, err = js.CreateStream(ctx, streamConfig); err != nil {
		if _, err = js.UpdateStream(ctx, streamConfig); err != nil {
			nc.Close()
			return nil, fmt.Errorf("broker - NewJetStream - CreateStream: %w", err)
		}
	}

	return &JetStream{nc: nc, js: js}, nil
}

// Publish sends one message to a subject.
func (j *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := j.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("broker - Publish: %w", err)
	}
	return nil
}

// Close drains the connection.
func (j *JetStream) Close() {
	if j.nc != nil {
		j.nc.Close()
	}
}
