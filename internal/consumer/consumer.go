// Package consumer implements the delivery engine: it drains the live
// queue, enforces idempotency, resolves and renders payloads, invokes the
// email sender and routes each outcome to an ack, a delay tier or the
// dead-letter queue.
package consumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jwalitptl/mail-dispatch/internal/broker"
	"github.com/jwalitptl/mail-dispatch/internal/idempotency"
	"github.com/jwalitptl/mail-dispatch/internal/model"
	"github.com/jwalitptl/mail-dispatch/internal/renderer"
	"github.com/jwalitptl/mail-dispatch/internal/sender"
	"github.com/jwalitptl/mail-dispatch/pkg/crypto"
	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
	"github.com/jwalitptl/mail-dispatch/pkg/metrics"
)

// Router is the consumer's path back into the broker: retry copies go to a
// delay tier, terminal failures to the dead-letter queue. The broker
// publisher implements it.
type Router interface {
	PublishRetry(ctx context.Context, msg *model.DispatchMessage, tier int) error
	PublishDLQ(ctx context.Context, record *model.DLQRecord) error
}

// Config tunes the delivery engine.
type Config struct {
	// MaxRetries is the retry ceiling; the attempt after the ceiling is
	// dead-lettered instead of delayed.
	MaxRetries int
	// Prefetch bounds unacknowledged deliveries in flight per channel.
	Prefetch int
	// Concurrency is the number of worker goroutines draining deliveries.
	Concurrency int
	// ReconnectDelay is the pause before redialing after the broker
	// connection or channel dies.
	ReconnectDelay time.Duration
}

// Consumer processes one delivery at a time per worker, to a definite
// outcome, before fetching the next. Multiple consumer processes may run
// concurrently; the shared idempotency store arbitrates duplicates.
type Consumer struct {
	conn     *broker.Connection
	topology *broker.Topology
	store    idempotency.Store
	cipher   *crypto.PayloadCipher
	renderer renderer.Renderer
	sender   sender.Sender
	router   Router
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      Config
}

func New(
	conn *broker.Connection,
	topology *broker.Topology,
	store idempotency.Store,
	cipher *crypto.PayloadCipher,
	rend renderer.Renderer,
	snd sender.Sender,
	router Router,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg Config,
) *Consumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{
		conn:     conn,
		topology: topology,
		store:    store,
		cipher:   cipher,
		renderer: rend,
		sender:   snd,
		router:   router,
		metrics:  m,
		logger:   log,
		cfg:      cfg,
	}
}

// Run consumes the live queue until ctx is cancelled. A dead broker
// connection or channel is not a clean exit: Run redials and re-consumes
// after a pause, so only cancellation ends the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consume(ctx); err != nil {
			c.logger.Error(err, "consume loop failed, will reconnect")
		} else if ctx.Err() == nil {
			c.logger.Warn("delivery channel closed, will reconnect")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// consume opens a channel and drains deliveries until the channel dies or
// ctx is cancelled.
func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(broker.LiveQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.logger.ZL.Info().Int("worker", id).Msg("consumer worker started")
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.process(ctx, d)
				}
			}
		}(i)
	}

	wg.Wait()
	return nil
}

// process runs the per-delivery state machine. Every path ends in exactly
// one broker acknowledgment.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	c.metrics.IncReceived()

	msg, err := c.parse(d.Body)
	if err != nil {
		// A malformed message can never become valid; it goes straight
		// to the DLQ carrying the raw body for inspection.
		c.deadLetter(ctx, d, nil, string(d.Body), model.FailureTypeValidation, err.Error())
		return
	}

	log := c.logger.WithFields(map[string]interface{}{
		"message_id": msg.MessageID,
		"template":   msg.Template,
		"retries":    msg.RetryCount,
	})

	if dup := c.checkDuplicate(ctx, msg, log); dup {
		c.ack(d, log)
		return
	}

	vars, err := c.resolvePayload(msg)
	if err != nil {
		log.Error(err, "payload decryption failed")
		c.deadLetter(ctx, d, msg, "", model.FailureTypeDecryption, err.Error())
		return
	}

	body, err := c.renderer.Render(msg.Template, vars)
	if err != nil {
		log.Error(err, "template rendering failed")
		c.deadLetter(ctx, d, msg, "", model.FailureTypeTemplate, err.Error())
		return
	}

	sendErr := c.send(ctx, msg, body)
	if sendErr == nil {
		c.setStatus(ctx, msg.MessageID, model.StatusSent, log)
		c.metrics.IncSent()
		c.ack(d, log)
		log.Info("email sent")
		return
	}

	if apperrors.IsRetryable(sendErr) {
		c.routeRetry(ctx, d, msg, sendErr, log)
		return
	}

	failureType := model.FailureTypePermanent
	if apperrors.CodeOf(sendErr) == apperrors.ErrValidation {
		failureType = model.FailureTypeValidation
	}
	log.Error(sendErr, "permanent send failure")
	c.deadLetter(ctx, d, msg, "", failureType, sendErr.Error())
}

func (c *Consumer) parse(body []byte) (*model.DispatchMessage, error) {
	var msg model.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apperrors.NewValidation("malformed message body", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// checkDuplicate claims the message ID. A store error fails open: sending
// twice is preferred over not sending at all, and the condition is logged
// as a dedup risk.
//
// A claim held with status retrying is not a duplicate: it marks the delay
// tier copy of this same logical message arriving for its next attempt.
// Everything else (in flight elsewhere, already sent, already dead-lettered)
// is acknowledged without a second send.
func (c *Consumer) checkDuplicate(ctx context.Context, msg *model.DispatchMessage, log *logger.Logger) bool {
	claimed, err := c.store.Claim(ctx, msg.MessageID)
	if err != nil {
		log.Error(err, "idempotency store unreachable, processing without dedup")
		return false
	}
	if claimed {
		return false
	}

	admitted, err := c.store.ClaimRetry(ctx, msg.MessageID)
	if err != nil {
		log.Error(err, "idempotency store unreachable, processing without dedup")
		return false
	}
	if admitted {
		return false
	}

	status, _, _ := c.store.GetStatus(ctx, msg.MessageID)
	log.ZL.Info().Str("status", string(status)).Msg("duplicate delivery, skipping")
	return true
}

func (c *Consumer) resolvePayload(msg *model.DispatchMessage) (map[string]interface{}, error) {
	if msg.PayloadEncrypted == "" {
		return msg.Payload, nil
	}
	return c.cipher.DecryptPayload(msg.PayloadEncrypted)
}

func (c *Consumer) send(ctx context.Context, msg *model.DispatchMessage, body string) error {
	input := sender.EmailInput{
		To:       msg.To,
		CC:       msg.CC,
		BCC:      msg.BCC,
		Subject:  msg.Subject,
		HTMLBody: body,
	}
	for _, att := range msg.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			// Undecodable attachments are as deterministic as a schema
			// violation.
			return apperrors.NewValidation(fmt.Sprintf("attachment %s is not valid base64", att.Filename), err)
		}
		input.Attachments = append(input.Attachments, sender.AttachmentInput{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     content,
		})
	}

	timer := time.Now()
	err := c.sender.Send(ctx, input)
	c.metrics.SendDuration.Observe(time.Since(timer).Seconds())
	return err
}

// routeRetry either schedules the next attempt through the delay ladder or,
// past the ceiling, dead-letters the message.
func (c *Consumer) routeRetry(ctx context.Context, d amqp.Delivery, msg *model.DispatchMessage, sendErr error, log *logger.Logger) {
	if msg.RetryCount >= c.cfg.MaxRetries {
		exhausted := apperrors.NewRetryExhausted(msg.MessageID, msg.RetryCount)
		log.Error(sendErr, "max retries exceeded")
		c.deadLetter(ctx, d, msg, "", model.FailureTypeExhausted, exhausted.Message)
		return
	}

	tier := c.topology.TierForRetry(msg.RetryCount)
	retry := *msg
	retry.RetryCount++

	if err := c.router.PublishRetry(ctx, &retry, tier); err != nil {
		// Could not reach the delay queue; reject without requeue and let
		// the live queue's dead-letter binding catch the message.
		log.Error(err, "failed to publish retry copy")
		c.nack(d, log)
		return
	}

	c.setStatus(ctx, msg.MessageID, model.StatusRetrying, log)
	c.metrics.IncRetried()
	c.ack(d, log)
	log.ZL.Warn().
		Err(sendErr).
		Int("tier", tier).
		Int("next_retry_count", retry.RetryCount).
		Msg("send failed, retry scheduled")
}

// deadLetter publishes a failure record and settles the delivery. When even
// the DLQ publish fails, the delivery is rejected without requeue so the
// queue's own dead-letter binding acts as the backstop.
func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, msg *model.DispatchMessage, rawBody, failureType, reason string) {
	record := &model.DLQRecord{
		FailureType:  failureType,
		Reason:       reason,
		OriginalBody: rawBody,
		FailedAt:     time.Now().UTC(),
	}
	if msg != nil {
		record.MessageID = msg.MessageID
		record.Message = msg
		record.Attempts = msg.RetryCount + 1
	}

	if err := c.router.PublishDLQ(ctx, record); err != nil {
		c.logger.Error(err, "failed to publish dead-letter record")
		c.nack(d, c.logger)
		return
	}

	if msg != nil {
		c.setStatus(ctx, msg.MessageID, model.StatusDeadLettered, c.logger)
	}
	c.metrics.IncFailed()
	c.metrics.DLQPublished.WithLabelValues(failureType).Inc()
	c.ack(d, c.logger)
}

func (c *Consumer) setStatus(ctx context.Context, messageID string, status model.IdempotencyStatus, log *logger.Logger) {
	if err := c.store.SetStatus(ctx, messageID, status); err != nil {
		log.Error(err, "failed to update idempotency status")
	}
}

func (c *Consumer) ack(d amqp.Delivery, log *logger.Logger) {
	if err := d.Ack(false); err != nil {
		log.Error(err, "failed to ack delivery")
	}
}

func (c *Consumer) nack(d amqp.Delivery, log *logger.Logger) {
	if err := d.Nack(false, false); err != nil {
		log.Error(err, "failed to nack delivery")
	}
}
