package model

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
)

// EventType categorizes a dispatch request. Informational only; delivery
// semantics are identical for every type.
type EventType string

const (
	EventTypeSend          EventType = "email.send"
	EventTypeWelcome       EventType = "email.welcome"
	EventTypePasswordReset EventType = "email.password_reset"
	EventTypeVerification  EventType = "email.verification"
	EventTypeNotification  EventType = "email.notification"
)

// TemplateSuffix is the canonical suffix every template identifier carries
// on the wire.
const TemplateSuffix = ".html"

// Encryption describes how the payload_encrypted field was produced.
type Encryption struct {
	Algorithm string `json:"algorithm" validate:"required"`
	KeyID     string `json:"key_id" validate:"required"`
}

// Metadata carries provenance for a dispatch request.
type Metadata struct {
	SourceService string    `json:"source_service" validate:"required"`
	CreatedAt     time.Time `json:"created_at" validate:"required"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Priority      string    `json:"priority,omitempty"`
}

// Attachment describes a file carried alongside the rendered body. Content
// is base64 on the wire.
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type"`
	Content     string `json:"content" validate:"required"`
}

// DispatchMessage is the unit of work flowing through the broker. The
// publisher creates it and never mutates it afterwards; the consumer treats
// it as read-only except for RetryCount, which it increments on the fresh
// copy routed to a delay tier.
type DispatchMessage struct {
	MessageID string    `json:"message_id" validate:"required"`
	EventType EventType `json:"event_type" validate:"required,oneof=email.send email.welcome email.password_reset email.verification email.notification"`

	To  []string `json:"to" validate:"required,min=1,dive,email"`
	CC  []string `json:"cc,omitempty" validate:"omitempty,dive,email"`
	BCC []string `json:"bcc,omitempty" validate:"omitempty,dive,email"`

	Subject  string `json:"subject" validate:"required,min=1,max=500"`
	Template string `json:"template" validate:"required"`

	// Exactly one of Payload and PayloadEncrypted is populated.
	Payload          map[string]interface{} `json:"payload,omitempty"`
	PayloadEncrypted string                 `json:"payload_encrypted,omitempty"`
	Encryption       *Encryption            `json:"encryption,omitempty"`

	Metadata    Metadata     `json:"metadata"`
	Attachments []Attachment `json:"attachments,omitempty"`

	RetryCount int `json:"retry_count"`
}

var validate = validator.New()

// Validate checks the wire schema invariants. Violations are non-retryable:
// a malformed message can never become valid on redelivery.
func (m *DispatchMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return apperrors.NewValidation("message validation failed", err)
	}

	// An empty plain payload is dropped by omitempty on marshal, so a
	// message with no template variables arrives with neither form set.
	// Absence therefore means an empty plain payload; only both forms
	// present is a violation.
	hasEncrypted := m.PayloadEncrypted != ""
	if m.Payload != nil && hasEncrypted {
		return apperrors.NewValidation("only one of payload and payload_encrypted may be set", nil)
	}
	if hasEncrypted && m.Encryption == nil {
		return apperrors.NewValidation("payload_encrypted requires encryption metadata", nil)
	}
	if m.RetryCount < 0 {
		return apperrors.NewValidation("retry_count must not be negative", nil)
	}
	return nil
}

// NormalizeTemplate appends the canonical template suffix when absent.
func NormalizeTemplate(name string) string {
	if strings.HasSuffix(name, TemplateSuffix) {
		return name
	}
	return name + TemplateSuffix
}
