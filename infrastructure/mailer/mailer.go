// Package mailer implements the activity pipeline's Mailer egress interface
// (spec §6): send(recipient, templateModule, templateId, dataBag, {hash}).
// Template rendering and SMTP transport are out of scope (spec §1); this
// package defines the contract and a development adapter that logs instead
// of delivering mail.
package mailer

import (
	"context"

	"github.com/collabhub/activity/infrastructure/logging"
)

// Message is everything the Email Scheduler hands to the Mailer to render
// and deliver a digest or immediate notification email.
type Message struct {
	Recipient      string
	TemplateModule string
	TemplateID     string
	DataBag        map[string]interface{}
	// Hash deduplicates retries of the same logical send.
	Hash string
}

// Mailer delivers a rendered template to a recipient.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LoggingMailer logs every send instead of delivering it, for local
// development and tests where no mail transport is wired.
type LoggingMailer struct {
	logger *logging.Logger
}

// NewLoggingMailer builds a dev-mode Mailer.
func NewLoggingMailer(logger *logging.Logger) *LoggingMailer {
	if logger == nil {
		logger = logging.Default()
	}
	return &LoggingMailer{logger: logger}
}

// Send logs the message at info level and returns nil.
func (m *LoggingMailer) Send(ctx context.Context, msg Message) error {
	m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"recipient":      msg.Recipient,
		"templateModule": msg.TemplateModule,
		"templateId":     msg.TemplateID,
		"hash":           msg.Hash,
	}).Info("mailer: send (dev mode, not delivered)")
	return nil
}
