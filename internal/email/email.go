// Package email delivers digest messages. Delivery is behind the Sender
// interface so the digest handler does not care which provider is wired in.
package email

import (
	"context"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailgunSender delivers through the Mailgun API.
type MailgunSender struct {
	client *mailgun.MailgunImpl
	from   string
}

func NewMailgunSender(domain, apiKey, from string) *MailgunSender {
	return &MailgunSender{
		client: mailgun.NewMailgun(domain, apiKey),
		from:   from,
	}
}

func (s *MailgunSender) Send(ctx context.Context, to, subject, body string) error {
	msg := s.client.NewMessage(s.from, subject, body, to)
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, _, err := s.client.Send(sendCtx, msg)
	return errors.Wrap(err, "mailgun send")
}

// LogSender is the dev/test Sender: it only records the send.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.log.Info("email send (log only)", zap.String("to", to), zap.String("subject", subject))
	return nil
}
