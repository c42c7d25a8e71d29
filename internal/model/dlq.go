package model

import "time"

// Failure types recorded on dead-letter records.
const (
	FailureTypeValidation = "validation"
	FailureTypeDecryption = "decryption"
	FailureTypeTemplate   = "template"
	FailureTypePermanent  = "permanent"
	FailureTypeExhausted  = "retry_exhausted"
	FailureTypeUnknown    = "unknown"
)

// DLQRecord wraps a failed message for operator inspection on the
// dead-letter queue. OriginalBody preserves the raw delivery even when the
// message could not be parsed.
type DLQRecord struct {
	MessageID    string           `json:"message_id,omitempty"`
	FailureType  string           `json:"failure_type"`
	Reason       string           `json:"reason"`
	Attempts     int              `json:"attempts"`
	Message      *DispatchMessage `json:"message,omitempty"`
	OriginalBody string           `json:"original_body,omitempty"`
	FailedAt     time.Time        `json:"failed_at"`
}
