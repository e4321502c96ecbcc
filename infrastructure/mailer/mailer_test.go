package mailer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/collabhub/activity/infrastructure/logging"
)

func TestLoggingMailerSendLogsAndReturnsNil(t *testing.T) {
	logger := logging.New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	m := NewLoggingMailer(logger)
	err := m.Send(context.Background(), Message{
		Recipient:      "user@example.com",
		TemplateModule: "activity",
		TemplateID:     "content-share",
		DataBag:        map[string]interface{}{"actorDisplayName": "Alice"},
		Hash:           "abc123",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "user@example.com") {
		t.Fatalf("expected log to contain recipient, got %s", out)
	}
	if !strings.Contains(out, "content-share") {
		t.Fatalf("expected log to contain templateId, got %s", out)
	}
}

func TestNewLoggingMailerDefaultsLogger(t *testing.T) {
	m := NewLoggingMailer(nil)
	if m.logger == nil {
		t.Fatal("expected a default logger to be assigned")
	}
}
