package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"
)

const dialTimeout = 30 * time.Second

// Config holds SMTP delivery settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// DevTeam is the recipient list for development requests.
	DevTeam []string
	// StartTLS upgrades a plain connection (port 587). When false the
	// connection is implicit TLS (port 465).
	StartTLS bool
}

// SMTPMailer sends mail over ephemeral SMTP connections; each Send
// opens and closes its own.
type SMTPMailer struct {
	cfg Config
}

// NewSMTPMailer creates a mailer.
func NewSMTPMailer(cfg Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send composes and delivers one message to the dev team.
func (m *SMTPMailer) Send(ctx context.Context, subject, markdown string) error {
	msg, err := compose(m.cfg.From, m.cfg.DevTeam, subject, markdown)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	slog.Debug("sending mail", "subject", subject, "recipients", len(m.cfg.DevTeam))
	return m.deliver(ctx, msg)
}

func (m *SMTPMailer) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: timeout}

	var client *smtp.Client
	if m.cfg.StartTLS {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, m.cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.cfg.Host})
		if err != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, m.cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if m.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(bareAddress(m.cfg.From)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range m.cfg.DevTeam {
		if err := client.Rcpt(bareAddress(rcpt)); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// bareAddress extracts "addr" from "Name <addr>" forms.
func bareAddress(s string) string {
	end := len(s) - 1
	if end > 0 && s[end] == '>' {
		for i := end - 1; i >= 0; i-- {
			if s[i] == '<' {
				return s[i+1 : end]
			}
		}
	}
	return s
}
