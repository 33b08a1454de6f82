package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/veilmail/core/internal/logging"
)

// SMTPSender delivers a fully-rendered RFC 5322 message (already assembled
// by the caller, not this package's concern) to a submission server.
type SMTPSender struct {
	addr     string
	user     string
	password string
}

func NewSMTPSender(addr, user, password string) *SMTPSender {
	return &SMTPSender{addr: addr, user: user, password: password}
}

// Send submits raw to the server for delivery to rcpts, authenticating via
// AUTH PLAIN over the implicit-TLS connection.
func (s *SMTPSender) Send(ctx context.Context, from string, rcpts []string, raw []byte) error {
	auth := sasl.NewPlainClient("", s.user, s.password)
	client, err := smtp.DialTLS(s.addr, nil)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logging.For("transport.smtp").Warn().Err(err).Msg("error closing smtp connection")
		}
	}()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
