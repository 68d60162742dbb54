// Package publish pushes applied call records to NATS JetStream for
// downstream consumers (projections, auditors, alerting).
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LevVault/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const streamName = "VAULT_EVENTS"

// PublishableRecord is an applied call record ready for outbound publishing.
type PublishableRecord struct {
	Sequence  int64           `json:"sequence"`
	RecordID  string          `json:"record_id"`
	CallType  string          `json:"call_type"`
	Caller    string          `json:"caller"`
	Payload   json.RawMessage `json:"payload"`
	StateHash []byte          `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher drains the publish channel and sends records to JetStream.
// Publishing is best-effort: failures are logged and skipped, since any
// consumer can recover from the call log.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableRecord
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewPublisher(
	js jetstream.JetStream,
	inputChan <-chan PublishableRecord,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the publisher loop. Subjects follow vault.events.{call_type}.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, rec); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", rec.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec PublishableRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("vault.events.%s", rec.CallType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"vault.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
