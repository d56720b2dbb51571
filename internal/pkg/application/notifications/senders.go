package notifications

import (
	"context"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// The actual delivery services live outside this system. These senders log
// the dispatch so deployments without a configured provider still surface
// notifications operationally.

type logEmailSender struct{}

func NewLogEmailSender() EmailSender {
	return &logEmailSender{}
}

func (s *logEmailSender) SendEmail(ctx context.Context, recipient, subject, body string) error {
	logging.GetFromContext(ctx).Info("dispatching email notification", "recipient", recipient, "subject", subject)
	return nil
}

type logSMSSender struct{}

func NewLogSMSSender() SMSSender {
	return &logSMSSender{}
}

func (s *logSMSSender) SendSMS(ctx context.Context, phoneNumber, message string) error {
	logging.GetFromContext(ctx).Info("dispatching sms notification", "phone_number", phoneNumber, "message", message)
	return nil
}
