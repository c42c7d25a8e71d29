package model

// IdempotencyStatus tracks where a message is in its delivery lifecycle.
type IdempotencyStatus string

const (
	StatusProcessing   IdempotencyStatus = "processing"
	StatusSent         IdempotencyStatus = "sent"
	StatusFailed       IdempotencyStatus = "failed"
	StatusRetrying     IdempotencyStatus = "retrying"
	StatusDeadLettered IdempotencyStatus = "dead_lettered"
)
