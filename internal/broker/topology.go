package broker

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker object names. Operator-visible and stable across deploys.
const (
	LiveExchange = "email.exchange"
	LiveQueue    = "email.queue"
	DLXName      = "email.dlx"
	DLQName      = "email.dlq"

	RoutingKeySend = "email.send"
	RoutingKeyDLQ  = "dlq"

	liveBindPattern  = "email.#"
	delayQueuePrefix = "email.delay."
)

// TopologyConfig holds the tunable pieces of the broker topology. Tiers are
// the delay-queue TTLs in ascending order; retries past the last tier reuse
// its delay.
type TopologyConfig struct {
	Tiers []time.Duration
}

// DefaultTiers is the production ladder: 30s, 2m, 5m.
var DefaultTiers = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}

// Topology declares and names the durable broker objects the dispatch
// engine depends on.
//
// Delayed retry is built from broker primitives alone: each delay queue has
// a per-queue message TTL equal to its delay and dead-letters expired
// messages back onto the live exchange under the send routing key. No
// application-level timer is involved, so scheduled retries survive process
// crashes.
type Topology struct {
	tiers []time.Duration
}

func NewTopology(cfg TopologyConfig) *Topology {
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	return &Topology{tiers: tiers}
}

// Tiers returns the configured delay ladder.
func (t *Topology) Tiers() []time.Duration {
	return t.tiers
}

// DelayQueueName names the delay queue for a tier, e.g. "email.delay.30s".
func (t *Topology) DelayQueueName(tier int) string {
	return delayQueuePrefix + formatDelay(t.tiers[tier])
}

// TierForRetry picks the delay tier for a message about to be retried,
// clamping to the longest tier once the retry count outruns the ladder.
func (t *Topology) TierForRetry(retryCount int) int {
	if retryCount >= len(t.tiers) {
		return len(t.tiers) - 1
	}
	return retryCount
}

// Declare sets up all exchanges, queues and bindings. Declarations are
// idempotent; redeclaring an existing object with different properties is a
// channel-level error and is surfaced as fatal configuration drift.
func (t *Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(LiveExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare live exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DLXName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	liveArgs := amqp.Table{
		"x-dead-letter-exchange":    DLXName,
		"x-dead-letter-routing-key": RoutingKeyDLQ,
	}
	if _, err := ch.QueueDeclare(LiveQueue, true, false, false, false, liveArgs); err != nil {
		return fmt.Errorf("failed to declare live queue: %w", err)
	}
	if err := ch.QueueBind(LiveQueue, liveBindPattern, LiveExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind live queue: %w", err)
	}

	// Delay queues are not bound to any exchange; the consumer publishes
	// retry copies straight to them through the default exchange. Expiry
	// dead-letters the copy back onto the live exchange.
	for i, delay := range t.tiers {
		args := amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    LiveExchange,
			"x-dead-letter-routing-key": RoutingKeySend,
		}
		if _, err := ch.QueueDeclare(t.DelayQueueName(i), true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare delay queue %s: %w", t.DelayQueueName(i), err)
		}
	}

	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(DLQName, RoutingKeyDLQ, DLXName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	return nil
}

// formatDelay renders a duration compactly for queue names: 30s, 2m, 5m,
// 1h30m.
func formatDelay(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
