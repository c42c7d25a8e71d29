package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/mail-dispatch/internal/model"
	"github.com/jwalitptl/mail-dispatch/pkg/crypto"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
)

// PublisherConfig tunes the publish path.
type PublisherConfig struct {
	// RatePerSecond caps outbound publishes; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// PublishInput is the caller-facing request for a new dispatch.
type PublishInput struct {
	To            []string
	CC            []string
	BCC           []string
	Subject       string
	Template      string
	Payload       map[string]interface{}
	EventType     model.EventType
	SourceService string
	CorrelationID string
	Priority      string
	Attachments   []model.Attachment
	// Encrypt seals the payload before it enters the broker. Production
	// callers must set it; plaintext payloads are for development only.
	Encrypt bool
}

// Publisher builds validated dispatch messages and emits them onto the live
// exchange. It owns its broker connection and reconnects lazily on next use
// if the connection was closed.
type Publisher struct {
	conn     *Connection
	topology *Topology
	cipher   *crypto.PayloadCipher
	limiter  *rate.Limiter
	logger   *logger.Logger
}

func NewPublisher(conn *Connection, topology *Topology, cipher *crypto.PayloadCipher, cfg PublisherConfig, log *logger.Logger) *Publisher {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Publisher{
		conn:     conn,
		topology: topology,
		cipher:   cipher,
		limiter:  limiter,
		logger:   log,
	}
}

// Publish assembles, validates and emits a dispatch message, returning its
// message ID for correlation. It does not wait for delivery, only for the
// broker to accept the publish.
func (p *Publisher) Publish(ctx context.Context, input PublishInput) (string, error) {
	msg := &model.DispatchMessage{
		MessageID: uuid.New().String(),
		EventType: input.EventType,
		To:        input.To,
		CC:        input.CC,
		BCC:       input.BCC,
		Subject:   input.Subject,
		Template:  model.NormalizeTemplate(input.Template),
		Metadata: model.Metadata{
			SourceService: input.SourceService,
			CreatedAt:     time.Now().UTC(),
			CorrelationID: input.CorrelationID,
			Priority:      input.Priority,
		},
		Attachments: input.Attachments,
	}
	if msg.EventType == "" {
		msg.EventType = model.EventTypeSend
	}

	if input.Encrypt {
		sealed, err := p.cipher.EncryptPayload(input.Payload)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt payload: %w", err)
		}
		msg.PayloadEncrypted = sealed
		msg.Encryption = &model.Encryption{
			Algorithm: crypto.Algorithm,
			KeyID:     p.cipher.KeyID(),
		}
	} else {
		msg.Payload = input.Payload
	}

	if err := msg.Validate(); err != nil {
		return "", err
	}

	if err := p.publishJSON(ctx, LiveExchange, RoutingKeySend, msg); err != nil {
		return "", err
	}

	p.logger.ZL.Info().
		Str("message_id", msg.MessageID).
		Str("event_type", string(msg.EventType)).
		Str("template", msg.Template).
		Bool("encrypted", input.Encrypt).
		Msg("published dispatch message")

	return msg.MessageID, nil
}

// PublishRetry places a retry copy of msg directly onto the delay queue for
// the given tier. The copy re-enters the live queue when its TTL expires.
func (p *Publisher) PublishRetry(ctx context.Context, msg *model.DispatchMessage, tier int) error {
	queue := p.topology.DelayQueueName(tier)
	// Default exchange: routing key addresses the queue by name.
	return p.publishJSON(ctx, "", queue, msg)
}

// PublishDLQ routes a failure record to the dead-letter queue.
func (p *Publisher) PublishDLQ(ctx context.Context, record *model.DLQRecord) error {
	return p.publishJSON(ctx, DLXName, RoutingKeyDLQ, record)
}

func (p *Publisher) publishJSON(ctx context.Context, exchange, key string, body interface{}) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter interrupted: %w", err)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}
