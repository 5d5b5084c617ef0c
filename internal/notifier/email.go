package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
)

// Email sends plain-text mail over SMTP, upgrading with STARTTLS when the
// server offers it.
type Email struct {
	cfg  EmailConfig
	addr string
	now  func() time.Time
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, errors.Wrap(ErrNotConfigured, "email: host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		now:  time.Now,
	}, nil
}

func (e *Email) Send(ctx context.Context, p model.Payload) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return errors.Wrap(err, "smtp dial")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp greeting")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return errors.Wrap(err, "smtp starttls")
		}
	} else if e.cfg.RequireTLS {
		return errors.New("smtp: server does not support STARTTLS")
	}
	if e.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return errors.Wrap(err, "smtp auth")
			}
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return errors.Wrap(err, "smtp mail from")
	}
	if err := c.Rcpt(p.Recipient); err != nil {
		return errors.Wrap(err, "smtp rcpt to")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data")
	}
	if _, err := w.Write(e.message(p)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "smtp write")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "smtp data close")
	}
	return c.Quit()
}

// message renders an RFC 5322 message. The occasion owner goes in
// Reply-To; From stays the configured relay address.
func (e *Email) message(p model.Payload) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", e.cfg.From)
	header("To", p.Recipient)
	if p.Sender != "" {
		header("Reply-To", p.Sender)
	}
	subject := p.Subject
	if subject == "" {
		subject = "A message for you"
	}
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", e.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(p.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
