package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not share state or panic on registration.
	a := New()
	b := New()

	a.JobsTotal.WithLabelValues("research", "succeeded").Inc()
	if v := getCounterValue(t, b.JobsTotal.WithLabelValues("research", "succeeded")); v != 0 {
		t.Errorf("second instance saw %v, want 0", v)
	}
}

func TestCountersAndLabels(t *testing.T) {
	m := New()

	m.JobsTotal.WithLabelValues("research", "succeeded").Inc()
	m.JobsTotal.WithLabelValues("research", "failed").Inc()
	m.JobsTotal.WithLabelValues("batch", "succeeded").Inc()

	if v := getCounterValue(t, m.JobsTotal.WithLabelValues("research", "succeeded")); v != 1 {
		t.Errorf("research/succeeded = %v", v)
	}
	if v := getCounterValue(t, m.JobsTotal.WithLabelValues("batch", "failed")); v != 0 {
		t.Errorf("batch/failed = %v, want 0", v)
	}

	m.CacheHitsTotal.WithLabelValues("exact").Inc()
	m.CacheHitsTotal.WithLabelValues("semantic").Add(2)
	if v := getCounterValue(t, m.CacheHitsTotal.WithLabelValues("semantic")); v != 2 {
		t.Errorf("semantic hits = %v", v)
	}

	m.TokensUsedTotal.WithLabelValues("anthropic", "input").Add(100)
	m.TokensUsedTotal.WithLabelValues("anthropic", "output").Add(40)
	if v := getCounterValue(t, m.TokensUsedTotal.WithLabelValues("anthropic", "input")); v != 100 {
		t.Errorf("input tokens = %v", v)
	}
}

func TestJobsInFlightGauge(t *testing.T) {
	m := New()
	m.JobsInFlight.Inc()
	m.JobsInFlight.Inc()
	m.JobsInFlight.Dec()
	if v := getGaugeValue(t, m.JobsInFlight); v != 1 {
		t.Errorf("in flight = %v, want 1", v)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobsTotal.WithLabelValues("research", "succeeded").Inc()
	m.SubscriberDropsTotal.Inc()
	m.SearchDurationSeconds.Observe(0.05)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`researchd_jobs_total{kind="research",status="succeeded"} 1`,
		"researchd_subscriber_drops_total 1",
		"researchd_search_duration_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
