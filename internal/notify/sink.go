package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/internal/issue"
)

// Payload is what a sink delivers. Body carries the task id, fingerprint and
// external reference the dispatcher embedded; Message is the truncated
// human-readable line.
type Payload struct {
	Category string         `json:"category"`
	Severity issue.Severity `json:"severity"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
	At       time.Time      `json:"at"`
}

// Sink is one delivery backend.
type Sink interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// QueueSink drops one JSON file per alert into a spool directory for an
// external forwarder to pick up. Write is temp-file + rename so a reader
// never sees a partial alert.
type QueueSink struct {
	dir string
}

func NewQueueSink(dir string) *QueueSink {
	return &QueueSink{dir: dir}
}

func (q *QueueSink) Name() string { return "queue" }

func (q *QueueSink) Send(ctx context.Context, p Payload) error {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create alert queue: %w", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%s.json", p.At.UnixNano(), uuid.NewString()[:8])
	tmp := filepath.Join(q.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to spool alert: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// SMTPSink delivers alerts as plain-text mail. The password comes resolved
// from the secret provider; it is never read from config directly.
type SMTPSink struct {
	host string
	port int
	from string
	to   []string
	user string
	pass string

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSink(host string, port int, from string, to []string, user, pass string) *SMTPSink {
	return &SMTPSink{
		host: host, port: port, from: from, to: to,
		user: user, pass: pass,
		send: smtp.SendMail,
	}
}

func (s *SMTPSink) Name() string { return "smtp" }

func (s *SMTPSink) Send(ctx context.Context, p Payload) error {
	if s.host == "" || s.from == "" || len(s.to) == 0 {
		return fmt.Errorf("smtp sink not configured")
	}

	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}
	msg := buildMail(s.from, s.to, p)
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	// net/smtp has no context support; run it on the side so the caller's
	// short timeout holds.
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.from, s.to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp delivery failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp delivery timed out: %w", ctx.Err())
	}
}

func buildMail(from string, to []string, p Payload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [warden %s] %s: %s\r\n", p.Severity, p.Category, p.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", p.At.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "source: %s\n\n%s\n", p.Source, p.Message)
	return []byte(b.String())
}
