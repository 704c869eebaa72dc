// Package email implements the notification contract (spec.md §6:
// "send(to_list, subject, text, html) -> ok|err"). Grounded on
// internal/alerts/slack.go's webhook client: a bounded retry with
// exponential backoff + jitter, metrics on send/error counts, and a
// disabled-by-config no-op. The transport itself is net/smtp (the
// pack carries no SMTP client library), with the retry/backoff/metrics
// envelope kept in the teacher's idiom.
package email

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/rsmolarz/marketctl/internal/config"
	"github.com/rsmolarz/marketctl/internal/observ"
)

const maxAttempts = 3

// Sender is the notification contract every alert channel satisfies.
type Sender interface {
	Send(ctx context.Context, to []string, subject, text, html string) error
}

// SMTPSender sends mail through a configured SMTP relay. Disabled
// (cfg.Enabled == false) senders are valid no-ops, matching spec.md §6 "a
// provider may be absent; the system degrades gracefully".
type SMTPSender struct {
	cfg config.EmailConfig
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send attempts delivery up to maxAttempts times with exponential
// backoff and jitter (grounded on SlackClient.worker's retry schedule).
// A final failure is returned to the caller, never panics: the gate's
// alert rule treats send failure as non-fatal and leaves alerted=false
// (spec.md §4.H step 6).
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, text, html string) error {
	if !s.cfg.Enabled {
		observ.IncCounter("email_send_skipped_disabled_total", nil)
		return nil
	}
	if len(to) == 0 {
		return fmt.Errorf("email: empty recipient list")
	}

	msg := buildMessage(s.cfg.From, to, subject, text, html)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.deliver(to, msg); err != nil {
			lastErr = err
			observ.IncCounter("email_send_errors_total", map[string]string{"attempt": fmt.Sprintf("%d", attempt)})
			if attempt == maxAttempts {
				break
			}
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		observ.IncCounter("email_sent_total", nil)
		return nil
	}
	return fmt.Errorf("email: send failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *SMTPSender) deliver(to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.UserEnv != "" {
		user := os.Getenv(s.cfg.UserEnv)
		pass := os.Getenv(s.cfg.PassEnv)
		if user != "" {
			auth = smtp.PlainAuth("", user, pass, s.cfg.SMTPHost)
		}
	}
	return smtp.SendMail(addr, auth, s.cfg.From, to, msg)
}

func buildMessage(from string, to []string, subject, text, html string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if html != "" {
		b.WriteString("MIME-Version: 1.0\r\n")
		b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(html)
	} else {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(text)
	}
	return []byte(b.String())
}
