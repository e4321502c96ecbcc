package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
		level   string
		format  string
	}{
		{"json logger", "activityd", "info", "json"},
		{"text logger", "activityd", "debug", "text"},
		{"invalid level", "activityd", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service, tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("service = %v, want %v", logger.service, tt.service)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("activityd", "info", "json")
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithUserID(ctx, "user-456")

	entry := logger.WithContext(ctx)
	if entry == nil {
		t.Fatal("WithContext() returned nil")
	}
	if entry.Data["service"] != "activityd" {
		t.Errorf("service field = %v, want activityd", entry.Data["service"])
	}
	if entry.Data["trace_id"] != "trace-123" {
		t.Errorf("trace_id field = %v, want trace-123", entry.Data["trace_id"])
	}
	if entry.Data["user_id"] != "user-456" {
		t.Errorf("user_id field = %v, want user-456", entry.Data["user_id"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("activityd", "info", "json")
	fields := map[string]interface{}{
		"key1": "value1",
		"key2": 123,
	}

	entry := logger.WithFields(fields)

	if entry.Data["key1"] != "value1" {
		t.Errorf("key1 = %v, want value1", entry.Data["key1"])
	}
	if entry.Data["key2"] != 123 {
		t.Errorf("key2 = %v, want 123", entry.Data["key2"])
	}
	if entry.Data["service"] != "activityd" {
		t.Errorf("service = %v, want activityd", entry.Data["service"])
	}
}

func TestWithFieldsNil(t *testing.T) {
	logger := New("activityd", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	entry := logger.WithFields(nil)
	entry.Info("test message")

	if !bytes.Contains(buf.Bytes(), []byte("activityd")) {
		t.Error("output should contain service name")
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("activityd", "info", "json")
	err := errors.New("test error")

	entry := logger.WithError(err)

	if entry.Data["error"] != "test error" {
		t.Errorf("error = %v, want test error", entry.Data["error"])
	}
}

func TestLogger_SetOutput(t *testing.T) {
	logger := New("activityd", "info", "json")
	buf := &bytes.Buffer{}

	logger.SetOutput(buf)
	logger.Logger.Info("test message")

	if buf.Len() == 0 {
		t.Error("SetOutput() did not redirect output")
	}
}

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID() returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID() returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-123"

	ctx = WithTraceID(ctx, traceID)
	got := GetTraceID(ctx)

	if got != traceID {
		t.Errorf("GetTraceID() = %v, want %v", got, traceID)
	}
}

func TestGetTraceIDUnset(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() = %v, want empty", got)
	}
}

func TestWithUserID(t *testing.T) {
	ctx := context.Background()
	userID := "user-456"

	ctx = WithUserID(ctx, userID)
	got := GetUserID(ctx)

	if got != userID {
		t.Errorf("GetUserID() = %v, want %v", got, userID)
	}
}

func TestGetUserIDUnset(t *testing.T) {
	if got := GetUserID(context.Background()); got != "" {
		t.Errorf("GetUserID() = %v, want empty", got)
	}
}

func TestWithRole(t *testing.T) {
	ctx := context.Background()
	role := "admin"

	ctx = WithRole(ctx, role)
	got := GetRole(ctx)

	if got != role {
		t.Errorf("GetRole() = %v, want %v", got, role)
	}
}

func TestGetRoleUnset(t *testing.T) {
	if got := GetRole(context.Background()); got != "" {
		t.Errorf("GetRole() = %v, want empty", got)
	}
}

func TestWithService(t *testing.T) {
	ctx := context.Background()

	ctx = WithService(ctx, "email-scheduler")
	got := GetService(ctx)

	if got != "email-scheduler" {
		t.Errorf("GetService() = %v, want email-scheduler", got)
	}
}

func TestGetServiceUnset(t *testing.T) {
	if got := GetService(context.Background()); got != "" {
		t.Errorf("GetService() = %v, want empty", got)
	}
}

func TestLogger_WithContextIncludesRole(t *testing.T) {
	logger := New("activityd", "info", "json")
	ctx := WithRole(context.Background(), "admin")

	entry := logger.WithContext(ctx)
	if entry.Data["role"] != "admin" {
		t.Errorf("role field = %v, want admin", entry.Data["role"])
	}
}

func TestLogger_LogRequest(t *testing.T) {
	logger := New("activityd", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.LogRequest(ctx, "GET", "/api/activity", 200, 100*time.Millisecond)

	if buf.Len() == 0 {
		t.Error("LogRequest() did not write log")
	}
}

func TestLogger_LogStorageOp(t *testing.T) {
	logger := New("activityd", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogStorageOp(ctx, "kv", "incr", 5*time.Millisecond, nil)
	if buf.Len() == 0 {
		t.Error("LogStorageOp() did not write log for success")
	}

	buf.Reset()
	logger.LogStorageOp(ctx, "rowstore", "append", 5*time.Millisecond, errors.New("connection refused"))
	if buf.Len() == 0 {
		t.Error("LogStorageOp() did not write log for error")
	}
}

func TestLogger_LogBucketDrain(t *testing.T) {
	logger := New("activityd", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogBucketDrain(ctx, "3", 10, 10, nil)
	if buf.Len() == 0 {
		t.Error("LogBucketDrain() did not write log for success")
	}

	buf.Reset()
	logger.LogBucketDrain(ctx, "3", 10, 4, errors.New("partial failure"))
	if buf.Len() == 0 {
		t.Error("LogBucketDrain() did not write log for error")
	}
}

func TestLogger_LogDelivery(t *testing.T) {
	logger := New("activityd", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogDelivery(context.Background(), "u:collabhub.com:alice#public", "activity", 3)

	if buf.Len() == 0 {
		t.Error("LogDelivery() did not write log")
	}
}

func TestLogger_LogEmailSend(t *testing.T) {
	logger := New("activityd", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogEmailSend(ctx, "u:collabhub.com:alice", 5, nil)
	if buf.Len() == 0 {
		t.Error("LogEmailSend() did not write log for success")
	}

	buf.Reset()
	logger.LogEmailSend(ctx, "u:collabhub.com:alice", 5, errors.New("smtp timeout"))
	if buf.Len() == 0 {
		t.Error("LogEmailSend() did not write log for error")
	}
}

func TestInitDefault(t *testing.T) {
	InitDefault("activityd", "info", "json")

	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil after InitDefault()")
	}
	if logger.service != "activityd" {
		t.Errorf("service = %v, want activityd", logger.service)
	}
}

func TestDefaultFallsBack(t *testing.T) {
	defaultLogger = nil

	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	if logger.service != "unknown" {
		t.Errorf("service = %v, want unknown", logger.service)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"1 millisecond", 1 * time.Millisecond, "1.00ms"},
		{"100 milliseconds", 100 * time.Millisecond, "100.00ms"},
		{"1 second", 1 * time.Second, "1000.00ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.want {
				t.Errorf("FormatDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logLevel logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("activityd", tt.level, "json")
			if logger.Logger.Level != tt.logLevel {
				t.Errorf("Level = %v, want %v", logger.Logger.Level, tt.logLevel)
			}
		})
	}
}

func TestLogger_JSONFormatter(t *testing.T) {
	logger := New("activityd", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("test")

	if !bytes.Contains(buf.Bytes(), []byte(`"`)) {
		t.Error("output does not appear to be JSON")
	}
}

func TestLogger_TextFormatter(t *testing.T) {
	logger := New("activityd", "info", "text")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("test")

	if buf.Len() == 0 {
		t.Error("text formatter did not produce output")
	}
}
