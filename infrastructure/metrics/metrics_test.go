package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordHTTPRequest("activityd", "GET", "/api/activity", "200", 100*time.Millisecond)
	m.RecordHTTPRequest("activityd", "POST", "/api/notifications/markRead", "204", 20*time.Millisecond)
	m.RecordHTTPRequest("activityd", "GET", "/api/activity", "404", 5*time.Millisecond)
}

func TestRecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordError("activityd", "validation", "post_activity")
	m.RecordError("activityd", "storage", "kv.incr")
}

func TestRecordStorageOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordStorageOp("activityd", "kv", "incr", "success", 2*time.Millisecond)
	m.RecordStorageOp("activityd", "rowstore", "append", "failed", 10*time.Millisecond)
}

func TestSetStorageConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.SetStorageConnections(10)
	m.SetStorageConnections(0)
}

func TestRecordRouted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordRouted("activityd", "TENANT")
	m.RecordRouted("activityd", "ROUTES")
}

func TestRecordBucketDrain(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordBucketDrain("activityd", "3", 42, 500*time.Millisecond)
}

func TestRecordAggregateMerge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordAggregateMerge()
	m.RecordAggregateMerge()
}

func TestRecordEmailSent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.RecordEmailSent("activityd", "success")
	m.RecordEmailSent("activityd", "failed")
}

func TestPushConnectionsAndMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.SetPushConnections(3)
	m.RecordPushMessage("activityd", "activity")
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	m.UpdateUptime(startTime)
}

func TestInFlightCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	m.DecrementInFlight()
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("activityd", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}
