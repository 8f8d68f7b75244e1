package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Mail is a plain-text message.
type Mail struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers mail.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTPMailer constructs SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if m == nil || m.cfg.Host == "" {
		return errors.New("mailer: smtp host not configured")
	}
	if len(mail.To) == 0 {
		return errors.New("mailer: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, mail.To, m.compose(mail)); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", strings.Join(mail.To, ","), err)
	}
	return nil
}

func (m *SMTPMailer) compose(mail Mail) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(mail.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mail.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(mail.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogMailer writes mail to the log instead of sending it. Used when no SMTP
// host is configured.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (l LogMailer) Send(_ context.Context, mail Mail) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail",
		slog.String("to", strings.Join(mail.To, ",")),
		slog.String("subject", mail.Subject),
	)
	return nil
}
