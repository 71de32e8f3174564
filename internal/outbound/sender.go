package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/logger"
)

// Sender transmits a composed message to its recipients.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SendError is a transmission failure. Permanent is true for 5xx replies,
// after which retrying the same message is pointless.
type SendError struct {
	Err       error
	Permanent bool
}

func (e *SendError) Error() string {
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func classify(err error, format string) error {
	var smtpErr *smtp.SMTPError
	permanent := errors.As(err, &smtpErr) && smtpErr.Code >= 500
	return &SendError{Err: fmt.Errorf(format+": %w", err), Permanent: permanent}
}

// SMTPSender relays messages through an SMTP submission server. Port 465
// uses implicit TLS; on other ports STARTTLS is used when the server offers it.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
	}
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(s.host, s.port)
	tlsConfig := &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}

	if s.port == "465" {
		return smtp.DialTLS(addr, tlsConfig)
	}

	c, err := smtp.Dial(addr)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return c, nil
}

// Send delivers msg to every recipient in one SMTP transaction.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return &SendError{Err: errors.New("no recipients"), Permanent: true}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := s.dial()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to connect to SMTP server: %w", err)}
	}
	defer c.Close()

	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
				return classify(err, "failed to authenticate")
			}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify(err, "failed to set sender")
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return classify(err, "failed to add recipient "+rcpt)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return classify(err, "failed to start data")
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return classify(err, "failed to finish data")
	}

	if err := c.Quit(); err != nil {
		logger.Warn("SMTP: failed to send QUIT", "error", err)
	}
	return nil
}
