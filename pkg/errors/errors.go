package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error code
type ErrorCode int

// Dispatch error codes. The split between retryable and permanent transport
// failures drives the consumer's routing decision.
const (
	ErrValidation ErrorCode = iota + 2000
	ErrDecryption
	ErrTemplateNotFound
	ErrTemplateRender
	ErrTransportRetryable
	ErrTransportPermanent
	ErrRetryExhausted
	ErrInternal
)

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors
func NewValidation(message string, err error) *AppError {
	return &AppError{Code: ErrValidation, Message: message, Err: err}
}

func NewDecryption(err error) *AppError {
	return &AppError{Code: ErrDecryption, Message: "payload decryption failed", Err: err}
}

func NewTemplateNotFound(name string) *AppError {
	return &AppError{Code: ErrTemplateNotFound, Message: fmt.Sprintf("template %q not found", name)}
}

func NewTemplateRender(name string, err error) *AppError {
	return &AppError{Code: ErrTemplateRender, Message: fmt.Sprintf("template %q render failed", name), Err: err}
}

func NewRetryExhausted(messageID string, attempts int) *AppError {
	return &AppError{
		Code:    ErrRetryExhausted,
		Message: fmt.Sprintf("max retries exceeded for message %s after %d attempts", messageID, attempts),
	}
}

func NewInternal(err error) *AppError {
	return &AppError{Code: ErrInternal, Message: "internal error", Err: err}
}

// retryableIndicators are matched against the textual form of transport
// errors. SMTP clients rarely expose structured error categories, so the
// classification is content-based: anything suggesting a timeout, a broken
// connection, a temporary condition or rate limiting is worth retrying.
var retryableIndicators = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporary",
	"temporarily",
	"try again",
	"rate limit",
	"too many",
	"421",
	"450",
	"451",
	"452",
}

// ClassifyTransport wraps a raw transport error as either retryable or
// permanent based on its textual form.
func ClassifyTransport(err error) *AppError {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	for _, indicator := range retryableIndicators {
		if strings.Contains(text, indicator) {
			return &AppError{Code: ErrTransportRetryable, Message: "transient send failure", Err: err}
		}
	}
	return &AppError{Code: ErrTransportPermanent, Message: "permanent send failure", Err: err}
}

// IsRetryable reports whether err should be routed through the retry ladder.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrTransportRetryable
	}
	return false
}

// CodeOf returns the dispatch error code of err, or ErrInternal for errors
// outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
