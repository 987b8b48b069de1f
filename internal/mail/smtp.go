package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/simbatch/queued/pkg/types"
)

// SMTPSender delivers messages through a relaying SMTP server.
type SMTPSender struct {
	addr     string
	from     string
	username string
	password string
	host     string
}

// NewSMTPSender configures a sender for the given relay. Username may be
// empty for relays that accept unauthenticated submission.
func NewSMTPSender(host string, port int, from, username, password string) *SMTPSender {
	return &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		from:     from,
		username: username,
		password: password,
		host:     host,
	}
}

// Send delivers one message and returns once the relay accepts it.
func (s *SMTPSender) Send(email types.Email) error {
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + email.To,
		"Subject: " + email.Subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		email.Body,
	}, "\r\n")

	if err := smtp.SendMail(s.addr, auth, s.from, []string{email.To}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", email.To, err)
	}
	return nil
}

// DiscardSender drops every message. Used when email is disabled in config,
// and in tests that only care about queueing behaviour.
type DiscardSender struct{}

// Send implements Sender.
func (DiscardSender) Send(types.Email) error { return nil }
