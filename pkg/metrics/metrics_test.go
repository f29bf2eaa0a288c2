package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeliveryMetricsExistAndIncrement(t *testing.T) {
	// Use a test label to avoid colliding with other tests
	lbl := "test-transport"

	Deliveries.WithLabelValues(lbl, "success").Inc()
	if v := testutil.ToFloat64(Deliveries.WithLabelValues(lbl, "success")); v < 1 {
		t.Fatalf("expected Deliveries >= 1, got %v", v)
	}

	Deliveries.WithLabelValues(lbl, "failure").Add(2)
	if v := testutil.ToFloat64(Deliveries.WithLabelValues(lbl, "failure")); v < 2 {
		t.Fatalf("expected Deliveries failure >= 2, got %v", v)
	}

	QueueDepth.Set(3)
	if v := testutil.ToFloat64(QueueDepth); v != 3 {
		t.Fatalf("expected QueueDepth 3, got %v", v)
	}
}

func TestCapabilityRequestsLabelCardinality(t *testing.T) {
	CapabilityRequests.Reset()
	defer CapabilityRequests.Reset()
	labels := []string{"FHIR-AuditEvent-Persistence", "success"}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("CapabilityRequests panicked with labels %v: %v", labels, r)
		}
	}()

	CapabilityRequests.WithLabelValues(labels...).Inc()
	if v := testutil.ToFloat64(CapabilityRequests.WithLabelValues(labels...)); v != 1 {
		t.Fatalf("expected metric value 1 after increment, got %v", v)
	}
}

func TestMetricsHandlerExposesRelayMetrics(t *testing.T) {
	EventsEnqueued.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "audit_relay_events_enqueued_total") {
		t.Fatalf("expected audit_relay_events_enqueued_total in metrics output")
	}
}
