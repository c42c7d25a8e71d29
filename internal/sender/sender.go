package sender

import "context"

// EmailInput is the fully resolved email handed to a provider: recipients,
// rendered bodies and decoded attachments.
type EmailInput struct {
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []AttachmentInput
}

// AttachmentInput carries decoded attachment bytes.
type AttachmentInput struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Sender abstracts the outbound email provider. Implementations must return
// errors whose textual form distinguishes transient conditions (timeouts,
// connection failures, rate limits) from permanent ones, and must honor the
// caller's context deadline.
type Sender interface {
	Send(ctx context.Context, input EmailInput) error
	SendBulk(ctx context.Context, inputs []EmailInput) error
	HealthCheck(ctx context.Context) error
}
