package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts through an SMTP relay.
type EmailChannel struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail SendMailFunc
	now      func() time.Time
}

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// NewEmailChannel creates an email channel. Credentials are optional.
func NewEmailChannel(cfg EmailConfig) (*EmailChannel, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email: host, from and at least one recipient are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	ch := &EmailChannel{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		from:     cfg.From,
		to:       cfg.To,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		ch.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return ch, nil
}

// WithSendMail replaces the transport. Used by tests.
func (e *EmailChannel) WithSendMail(fn SendMailFunc) *EmailChannel {
	e.sendMail = fn
	return e
}

func (e *EmailChannel) Name() string { return "email" }

// Send delivers the alert. smtp.SendMail takes no context, so a cancelled
// context is only honoured before the send starts.
func (e *EmailChannel) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.sendMail(e.addr, e.auth, e.from, e.to, e.message(a)); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func (e *EmailChannel) message(a Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(Subject(a)))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(Body(a), "\n", "\r\n"))
	return []byte(b.String())
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
