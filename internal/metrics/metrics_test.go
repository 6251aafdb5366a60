package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Message(ResultAccepted)
	m.Message(ResultAccepted)
	m.Message(ResultDropped)
	m.ParseFailure()
	m.Trigger("state_change")
	m.Readings(3)
	m.BroadcastDropped()
	m.AutomationPhase("ActionFailed")
	m.ObserveProjection(2 * time.Millisecond)

	if got := testutil.ToFloat64(m.messages.WithLabelValues(ResultAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.parseFailures); got != 1 {
		t.Errorf("parse failures = %v", got)
	}
	if got := testutil.ToFloat64(m.readings); got != 3 {
		t.Errorf("readings = %v", got)
	}
	if got := testutil.CollectAndCount(m.projection); got != 1 {
		t.Errorf("projection series = %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Message(ResultAccepted)
	m.ParseFailure()
	m.PersistError()
	m.Trigger("x")
	m.Readings(1)
	m.BroadcastDropped()
	m.AutomationPhase("x")
	m.ObserveProjection(time.Second)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ParseFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "homesignal_parse_failures_total 1") {
		t.Errorf("exposition missing parse failures:\n%s", body)
	}
}
