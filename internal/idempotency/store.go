// Package idempotency implements the claim-or-detect-duplicate registry
// that makes at-least-once delivery safe: the broker may redeliver, but a
// message ID is only ever claimed once within the idempotency window.
package idempotency

import (
	"context"
	"time"

	"github.com/jwalitptl/mail-dispatch/internal/model"
)

// Store is the cross-consumer coordination point. Claim must be atomic
// under concurrent access from multiple consumer processes.
type Store interface {
	// Claim atomically registers the message ID with status processing.
	// It returns true if the ID was newly claimed and false if another
	// delivery already holds it.
	Claim(ctx context.Context, messageID string) (bool, error)
	// ClaimRetry atomically transitions a retrying record back to
	// processing, admitting exactly one delivery of a scheduled retry
	// copy. It returns false when the record is absent or in any other
	// status.
	ClaimRetry(ctx context.Context, messageID string) (bool, error)
	// SetStatus updates the lifecycle status of a claimed ID. A write
	// against an ID that has expired from the window is dropped.
	SetStatus(ctx context.Context, messageID string, status model.IdempotencyStatus) error
	// GetStatus returns the recorded status, with ok=false when the ID is
	// unknown or has expired from the window.
	GetStatus(ctx context.Context, messageID string) (model.IdempotencyStatus, bool, error)
}

// Config bounds the idempotency window. The TTL must exceed the maximum
// end-to-end retry window (the sum of all delay tiers plus send time), or a
// slow retry could be mistaken for a fresh message.
type Config struct {
	TTL time.Duration
}

// DefaultTTL comfortably covers the default 30s/2m/5m ladder.
const DefaultTTL = 24 * time.Hour
