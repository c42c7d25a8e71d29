package sender

import (
	"context"
	"fmt"
	"io"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/jwalitptl/mail-dispatch/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
)

// SMTPConfig configures the SMTP provider adapter.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds a single send, dial included. Exceeding it surfaces
	// as a retryable transport error.
	Timeout time.Duration
}

// SMTPSender delivers through an SMTP relay via gomail. A circuit breaker
// sheds sends while the relay is hard down so failing deliveries back up in
// the delay tiers instead of hammering the relay.
type SMTPSender struct {
	cfg     SMTPConfig
	dialer  *gomail.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewSMTPSender(cfg SMTPConfig, log *logger.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: 5,
			Cooldown:    15 * time.Second,
		}),
		logger: log,
	}
}

// Send delivers one email, classifying the outcome as retryable or
// permanent.
func (s *SMTPSender) Send(ctx context.Context, input EmailInput) error {
	msg := s.buildMessage(input)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.breaker.Execute(func() error {
			return s.dialer.DialAndSend(msg)
		})
	}()

	select {
	case <-ctx.Done():
		// The abandoned dial finishes on its own; the buffered channel
		// lets the goroutine exit.
		return apperrors.ClassifyTransport(fmt.Errorf("smtp send timeout: %w", ctx.Err()))
	case err := <-done:
		if err == circuitbreaker.ErrOpen {
			return apperrors.ClassifyTransport(fmt.Errorf("smtp temporarily unavailable: %w", err))
		}
		if err != nil {
			return apperrors.ClassifyTransport(err)
		}
		return nil
	}
}

// SendBulk delivers a batch sequentially, stopping at the first error so
// the caller can retry the remainder.
func (s *SMTPSender) SendBulk(ctx context.Context, inputs []EmailInput) error {
	for i := range inputs {
		if err := s.Send(ctx, inputs[i]); err != nil {
			return fmt.Errorf("bulk send failed at message %d: %w", i, err)
		}
	}
	return nil
}

// HealthCheck dials the relay and closes the connection.
func (s *SMTPSender) HealthCheck(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		closer, err := s.dialer.Dial()
		if err == nil {
			_ = closer.Close()
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp health check timeout: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func (s *SMTPSender) buildMessage(input EmailInput) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", input.To...)
	if len(input.CC) > 0 {
		msg.SetHeader("Cc", input.CC...)
	}
	if len(input.BCC) > 0 {
		msg.SetHeader("Bcc", input.BCC...)
	}
	msg.SetHeader("Subject", input.Subject)

	if input.TextBody != "" {
		msg.SetBody("text/plain", input.TextBody)
		msg.AddAlternative("text/html", input.HTMLBody)
	} else {
		msg.SetBody("text/html", input.HTMLBody)
	}

	for _, att := range input.Attachments {
		content := att.Content
		msg.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		}))
	}

	return msg
}
