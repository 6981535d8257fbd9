package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil || m.DatagramsForwarded == nil || m.BootstrapEvents == nil {
		t.Error("metric vectors not initialized")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSessionStart(RoleIngress)
	m.RecordSessionStart(RoleIngress)
	m.RecordSessionEnd(RoleIngress, ResultOK, 0.01)

	if got := testutil.ToFloat64(m.SessionsActive.WithLabelValues(RoleIngress)); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues(RoleIngress, ResultOK)); got != 1 {
		t.Errorf("SessionsTotal ok = %v, want 1", got)
	}

	m.RecordSessionRejected(RoleIngress)
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues(RoleIngress, ResultRejected)); got != 1 {
		t.Errorf("SessionsTotal rejected = %v, want 1", got)
	}
}

func TestRecordBytesAndResends(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordBytes(RoleEgress, "request", 100)
	m.RecordBytes(RoleEgress, "request", 50)
	m.RecordResend()
	m.RecordResend()

	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues(RoleEgress, "request")); got != 150 {
		t.Errorf("BytesRelayed = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.ReplyResends); got != 2 {
		t.Errorf("ReplyResends = %v, want 2", got)
	}
}

func TestRecordLearningRelay(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordForward(DirectionToServer)
	m.RecordForward(DirectionToClient)
	m.RecordForward(DirectionToServer)
	m.RecordDrop(DropNoClient)
	m.RecordClientChange()

	if got := testutil.ToFloat64(m.DatagramsForwarded.WithLabelValues(DirectionToServer)); got != 2 {
		t.Errorf("to_server = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues(DropNoClient)); got != 1 {
		t.Errorf("no_client drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClientRelearns); got != 1 {
		t.Errorf("ClientRelearns = %v, want 1", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default should return the same instance")
	}
}

func TestOrUnregistered(t *testing.T) {
	m := Unregistered()
	if OrUnregistered(m) != m {
		t.Error("OrUnregistered should keep a non-nil instance")
	}
	if OrUnregistered(nil) == nil {
		t.Error("OrUnregistered(nil) returned nil")
	}
}
